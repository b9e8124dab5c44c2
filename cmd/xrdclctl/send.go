package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/xrootd-go/xrdcl/internal/anyobject"
	"github.com/xrootd-go/xrdcl/internal/message"
	"github.com/xrootd-go/xrdcl/internal/postmaster"
	"github.com/xrootd-go/xrdcl/internal/status"
	"github.com/xrootd-go/xrdcl/internal/transport"
	"github.com/xrootd-go/xrdcl/internal/xrdurl"
	"github.com/xrootd-go/xrdcl/internal/xrootd"
)

// cliResult adapts xrootd.ResponseHandler to a channel a cobra Run
// function can block on.
type cliResult struct {
	done chan struct{}
	st   status.Status
	obj  *anyobject.AnyObject
}

func newCLIResult() *cliResult { return &cliResult{done: make(chan struct{})} }

func (r *cliResult) HandleResponse(st status.Status, obj *anyobject.AnyObject) {
	r.st, r.obj = st, obj
	close(r.done)
}

var sendStateful bool

var sendCmd = &cobra.Command{
	Use:   "send <url>",
	Short: "Send one request to an XRootD endpoint and print the response",
	Long: `
send dials the endpoint named by url (e.g. root://host:1094/path), issues a
single request, and prints either the response body or the failure status,
following redirects and waits exactly as a real client would.`,
	Args: cobra.ExactArgs(1),
	RunE: runSend,
}

func init() {
	sendCmd.Flags().BoolVar(&sendStateful, "stateful", false, "mark the request stateful: a stream disconnect fails it instead of replaying it on reconnect")
}

func runSend(cmd *cobra.Command, args []string) error {
	u, err := xrdurl.Parse(args[0])
	if err != nil {
		return fmt.Errorf("xrdclctl: %w", err)
	}

	log := buildLogger()
	pmOpt := opt.ToPostmasterOptions()
	pm := postmaster.New(pmOpt, log)
	if st := pm.Initialize(); !st.IsOK() {
		return fmt.Errorf("xrdclctl: initialize: %s", st)
	}
	if st := pm.Start(); !st.IsOK() {
		return fmt.Errorf("xrdclctl: start: %s", st)
	}
	defer pm.Finalize()

	req := message.New("xrdclctl send")
	req.Buffer().Append(make([]byte, transport.RequestHeaderSize))

	deadline := time.Now().Add(opt.RequestTimeout)
	result := newCLIResult()
	handler := xrootd.New(pm, u, req, result, deadline, opt.ToXRootDOptions(), log, sendStateful)

	if st := pm.Send(context.Background(), u, req, handler, opt.RequestTimeout, sendStateful); !st.IsOK() {
		fmt.Fprintf(os.Stderr, "request failed: %s\n", st)
		os.Exit(st.ShellCode())
	}

	select {
	case <-result.done:
	case <-time.After(opt.RequestTimeout + time.Second):
		fmt.Fprintln(os.Stderr, "request failed: client-side deadline exceeded waiting for handler")
		os.Exit(1)
	}

	if !result.st.IsOK() {
		fmt.Fprintf(os.Stderr, "request failed: %s\n", result.st)
		os.Exit(result.st.ShellCode())
	}
	if view, ok := result.obj.BufferView(); ok {
		os.Stdout.Write(view.Data)
		fmt.Println()
	} else {
		fmt.Println("ok")
	}
	return nil
}
