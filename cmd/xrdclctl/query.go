package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/xrootd-go/xrdcl/internal/postmaster"
	"github.com/xrootd-go/xrdcl/internal/transport"
	"github.com/xrootd-go/xrdcl/internal/xrdurl"
)

var queryTransportCmd = &cobra.Command{
	Use:   "query-transport <url>",
	Short: "Report the SID Manager state for an endpoint's Channel",
	Long: `
query-transport lazily creates the Channel for url (without dialing it) and
asks its Transport a capability question, printing the number of SIDs
currently allocated. It exists mainly to exercise QueryTransport from
outside a test binary.`,
	Args: cobra.ExactArgs(1),
	RunE: runQueryTransport,
}

func runQueryTransport(cmd *cobra.Command, args []string) error {
	u, err := xrdurl.Parse(args[0])
	if err != nil {
		return fmt.Errorf("xrdclctl: %w", err)
	}

	log := buildLogger()
	pm := postmaster.New(opt.ToPostmasterOptions(), log)
	if st := pm.Initialize(); !st.IsOK() {
		return fmt.Errorf("xrdclctl: initialize: %s", st)
	}
	if st := pm.Start(); !st.IsOK() {
		return fmt.Errorf("xrdclctl: start: %s", st)
	}
	defer pm.Finalize()

	obj, st := pm.QueryTransport(u, transport.QuerySIDManager)
	if !st.IsOK() {
		fmt.Fprintf(os.Stderr, "query failed: %s\n", st)
		os.Exit(st.ShellCode())
	}
	ref, ok := obj.SIDManagerRef()
	if !ok {
		fmt.Fprintln(os.Stderr, "query failed: unexpected response shape")
		os.Exit(1)
	}
	mgr, ok := ref.Manager.(interface{ NumberOfAllocatedSIDs() int })
	if ok {
		fmt.Printf("sids allocated: %d\n", mgr.NumberOfAllocatedSIDs())
	} else {
		fmt.Println("sid manager reachable")
	}
	return nil
}
