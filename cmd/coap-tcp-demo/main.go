// coap-tcp-demo dials a CoAP-over-TCP server, runs the CSM handshake, and
// issues a single GET before exiting. It's a thin driver over coap.TCPConn
// and coap.Context, not a production client: the poll loop below is the
// single-threaded pattern spec.md §5 requires of every Context user, just
// with time.Sleep standing in for whatever real event loop would otherwise
// wake it (select on a socket, a GUI tick, an RTOS scheduler slot).
package main

import (
	"flag"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/lobaro/coap-engine/coap"
	"github.com/lobaro/coap-engine/coapmsg"
)

func main() {
	addr := flag.String("addr", "127.0.0.1:5683", "host:port of the CoAP-over-TCP server")
	path := flag.String("path", "/.well-known/core", "URI path to GET")
	flag.Parse()

	sock := coap.NewTCPSocket(*addr)
	ctx := coap.NewContext(coap.ContextConfig{
		MaxOptionBytes: 1024,
	})
	conn := coap.NewTCPConn(ctx, sock, 1024, 1152, true)

	done := make(chan struct{})
	conn.Dispatch = func(msg coapmsg.Message) {
		logrus.WithFields(logrus.Fields{
			"code":    msg.Code,
			"token":   msg.Token,
			"payload": string(msg.Payload),
		}).Info("received response")
		if !ctx.DeliverResponseByToken(&msg) {
			logrus.WithField("token", msg.Token).Warn("no exchange waiting on this token")
		}
		close(done)
	}

	if err := conn.Start(); err != nil {
		logrus.WithError(err).Fatal("failed to start TCP connection")
	}

	var sent bool
	timeout := time.After(30 * time.Second)
	tick := time.NewTicker(20 * time.Millisecond)
	defer tick.Stop()

	for {
		select {
		case <-done:
			return
		case <-timeout:
			logrus.Fatal("timed out waiting for CSM handshake and response")
		case <-tick.C:
			if err := conn.ReceiveStep(); err != nil {
				logrus.WithError(err).Fatal("receive step failed")
			}
			if !sent && conn.State() == coap.ConnEstablished {
				sendGet(ctx, conn, *path)
				sent = true
			}
		}
	}
}

func sendGet(ctx *coap.Context, conn *coap.TCPConn, path string) {
	opts := coapmsg.NewOptions()
	if err := opts.AddString(coapmsg.OptionURIPath, path); err != nil {
		logrus.WithError(err).Fatal("failed to build request options")
	}

	req := &coapmsg.Message{Code: coapmsg.GET, Options: opts}
	ctx.SendAsyncRequest(req, nil, func(ex *coap.Exchange, reason coap.DeliveryReason, resp *coapmsg.Message) {
		if reason != coap.DeliveryOK {
			logrus.WithField("reason", reason).Warn("request did not complete successfully")
		}
	})

	if err := conn.SendMessage(*req); err != nil {
		logrus.WithError(err).Fatal("failed to send request")
	}
}
