package postmaster

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/xrootd-go/xrdcl/internal/status"
)

// Counters for the outcomes spec.md §4.N/§4.O care about: how often a
// request goes out, how often it gets redirected or told to wait, and
// how often it times out or finds every SID exhausted. The message
// handler lives in package xrootd, one layer above this one, so its
// redirect/wait outcomes are recorded through the exported Record*
// functions below rather than a channel back into this package.
var (
	sendsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "xrdcl_postmaster_sends_total",
		Help: "Requests handed to a Channel's out-queue.",
	})
	redirectsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "xrdcl_postmaster_redirects_total",
		Help: "kXR_redirect responses followed.",
	})
	waitsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "xrdcl_postmaster_waits_total",
		Help: "kXR_wait/kXR_waitresp responses scheduled for a later resend.",
	})
	timeoutsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "xrdcl_postmaster_timeouts_total",
		Help: "Requests that expired before a terminal response arrived.",
	})
	sidExhaustionTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "xrdcl_postmaster_sid_exhaustion_total",
		Help: "Send attempts that failed because a Stream had no free SIDs.",
	})
)

func init() {
	prometheus.MustRegister(sendsTotal, redirectsTotal, waitsTotal, timeoutsTotal, sidExhaustionTotal)
}

// RecordRedirect is called by the xrootd message handler each time it
// follows a kXR_redirect.
func RecordRedirect() { redirectsTotal.Inc() }

// RecordWait is called by the xrootd message handler each time it
// schedules a resend after kXR_wait/kXR_waitresp.
func RecordWait() { waitsTotal.Inc() }

// RecordTimeout is called by the xrootd message handler when a
// request's deadline passes without a terminal response.
func RecordTimeout() { timeoutsTotal.Inc() }

func recordSendOutcome(st status.Status) {
	switch st.Code {
	case status.CodeOperationExpired:
		timeoutsTotal.Inc()
	case status.CodeNoFreeSIDs:
		sidExhaustionTotal.Inc()
	}
}
