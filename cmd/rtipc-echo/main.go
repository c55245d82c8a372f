// Command rtipc-echo is a small demo around the rtipc transport: a "serve"
// command binds a local-domain address and echoes back whatever it
// receives, and a "dial" command connects to one and round-trips a single
// message. Grounded on examples/word-count/wordcountctl's
// flags.NewParser/AddCommand shape.
package main

import (
	"fmt"
	"os"
	"time"

	"github.com/jessevdk/go-flags"
	log "github.com/sirupsen/logrus"

	"github.com/bgromov/rtipc/bind"
	"github.com/bgromov/rtipc/connect"
	"github.com/bgromov/rtipc/fsm"
	"github.com/bgromov/rtipc/pipebase"
	"github.com/bgromov/rtipc/session"
)

// LogConfig groups the logging flags, in the spirit of the teacher's
// mbp.LogConfig.
type LogConfig struct {
	Level string `long:"level" default:"info" description:"Logging level: debug, info, warn, or error"`
}

func (c LogConfig) apply() {
	lvl, err := log.ParseLevel(c.Level)
	if err != nil {
		log.WithError(err).Fatal("invalid log level")
	}
	log.SetLevel(lvl)
}

// EndpointConfig groups the rtipc socket-option flags shared by both
// commands.
type EndpointConfig struct {
	Address  string `long:"address" required:"true" description:"Local-domain socket path"`
	Protocol int    `long:"protocol" default:"1" description:"Protocol id advertised during the handshake"`
	SndBuf   int    `long:"sndbuf" default:"4096" description:"Socket send buffer size"`
	RcvBuf   int    `long:"rcvbuf" default:"4096" description:"Socket receive buffer size"`
}

var config = new(struct {
	Log LogConfig `group:"Logging" namespace:"log"`
})

type cmdServe struct {
	EndpointConfig
	HandshakeTimeout time.Duration `long:"handshake-timeout" default:"1s" description:"Protocol handshake timeout"`
}

func (cmd *cmdServe) Execute([]string) error {
	config.Log.apply()

	r := fsm.NewReactor(64)
	go r.Run()

	endpoint := pipebase.NewDefaultEndpoint(pipebase.EndpointConfig{
		Address: cmd.Address, SndBuf: cmd.SndBuf, RcvBuf: cmd.RcvBuf, Protocol: cmd.Protocol,
	})
	b := bind.New(r, nil, nil, bind.Config{
		Endpoint: endpoint,
		NewPipe: func(sess *session.Session) pipebase.PipeBase {
			p := newEchoPipe(cmd.Protocol, autoEcho)
			p.sess = sess
			return p
		},
		HandshakeTimeout: cmd.HandshakeTimeout,
	}, log.StandardLogger())

	if err := b.Start(); err != nil {
		return err
	}
	log.WithField("address", cmd.Address).Info("listening")
	select {}
}

type cmdDial struct {
	EndpointConfig
	ReconnectIvl     int           `long:"reconnect-ivl" default:"100" description:"Initial reconnect interval, milliseconds"`
	ReconnectIvlMax  int           `long:"reconnect-ivl-max" default:"0" description:"Max reconnect interval, milliseconds (0: no growth)"`
	HandshakeTimeout time.Duration `long:"handshake-timeout" default:"1s" description:"Protocol handshake timeout"`
	Message          string        `long:"message" default:"hello" description:"Text to send and expect echoed back"`
}

func (cmd *cmdDial) Execute([]string) error {
	config.Log.apply()

	r := fsm.NewReactor(64)
	go r.Run()

	endpoint := pipebase.NewDefaultEndpoint(pipebase.EndpointConfig{
		Address: cmd.Address, SndBuf: cmd.SndBuf, RcvBuf: cmd.RcvBuf, Protocol: cmd.Protocol,
		ReconnectIvl: cmd.ReconnectIvl, ReconnectIvlMax: cmd.ReconnectIvlMax,
	})

	pipe := newEchoPipe(cmd.Protocol, deliverToRecv)
	c := connect.New(r, nil, nil, connect.Config{
		Endpoint: endpoint,
		NewPipe: func(sess *session.Session) pipebase.PipeBase {
			pipe.sess = sess
			return pipe
		},
		HandshakeTimeout: cmd.HandshakeTimeout,
	}, log.StandardLogger())
	c.Start()

	if err := pipe.WaitReady(5 * time.Second); err != nil {
		return err
	}
	if err := pipe.Send(pipebase.Msg{Body: []byte(cmd.Message)}); err != nil {
		return err
	}
	reply, err := pipe.Recv(5 * time.Second)
	if err != nil {
		return err
	}
	fmt.Println(string(reply.Body))
	return nil
}

func main() {
	parser := flags.NewParser(config, flags.Default)

	_, err := parser.AddCommand("serve", "Bind and echo", "Bind a local-domain address and echo back every message received", &cmdServe{})
	if err != nil {
		log.WithError(err).Fatal("failed to add serve command")
	}
	_, err = parser.AddCommand("dial", "Connect and round-trip", "Connect to a bound address and round-trip one message", &cmdDial{})
	if err != nil {
		log.WithError(err).Fatal("failed to add dial command")
	}

	if _, err := parser.Parse(); err != nil {
		if flagsErr, ok := err.(*flags.Error); ok && flagsErr.Type == flags.ErrHelp {
			os.Exit(0)
		}
		log.WithError(err).Fatal("rtipc-echo failed")
	}
}
