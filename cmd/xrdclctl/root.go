package main

import (
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/xrootd-go/xrdcl/internal/config"
	"github.com/xrootd-go/xrdcl/internal/logging"
)

var opt = config.Default()

var verbose bool

var rootCmd = &cobra.Command{
	Use:   "xrdclctl",
	Short: "Talk to an XRootD endpoint through the post-master client",
	Long: `
xrdclctl is a small demonstrator over the internal post-master package: it
dials a single endpoint, sends one request, and prints the response or
error status it gets back.`,
}

func init() {
	flags := rootCmd.PersistentFlags()
	flags.DurationVar(&opt.RequestTimeout, "timeout", opt.RequestTimeout, "deadline for the whole request, including redirects and waits")
	flags.DurationVar(&opt.ConnectionWindow, "connect-timeout", opt.ConnectionWindow, "deadline for establishing a Stream")
	flags.IntVar(&opt.SubStreamsPerChannel, "substreams", opt.SubStreamsPerChannel, "parallel TCP legs per Channel")
	flags.IntVar(&opt.RedirectLimit, "redirect-limit", opt.RedirectLimit, "maximum kXR_redirect hops to follow")
	flags.IntVar(&opt.WorkerThreads, "workers", opt.WorkerThreads, "Job Manager worker pool size")
	flags.BoolVarP(&verbose, "verbose", "v", false, "log at debug level instead of info")

	rootCmd.AddCommand(sendCmd)
	rootCmd.AddCommand(queryTransportCmd)
}

func buildLogger() *logging.Logger {
	l := logging.New()
	if verbose {
		l.SetLevel(logrus.DebugLevel)
	}
	return l
}
