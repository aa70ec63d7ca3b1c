// Command indexadm is the operator CLI for an indexd cluster.
//
// The subcommand "state" dials a node and prints the routing table as the
// node observes it:
//
//     indexadm -addr localhost:9400 state
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"time"

	"gitlab.com/gitlab-org/indexd/internal/admin"
	"gitlab.com/gitlab-org/indexd/internal/log"
	"gitlab.com/gitlab-org/indexd/internal/replication"
	"gitlab.com/gitlab-org/indexd/internal/transport"
	"gitlab.com/gitlab-org/indexd/internal/version"
)

const targetNodeID = "target"

var (
	flagAddr    = flag.String("addr", "localhost:9400", "Address of the node to query")
	flagVersion = flag.Bool("version", false, "Print version and exit")

	logger = log.Default()
)

func main() {
	flag.Parse()

	if *flagVersion {
		fmt.Println(version.GetVersionString())
		os.Exit(0)
	}

	switch flag.Arg(0) {
	case "state":
		if err := dumpState(*flagAddr); err != nil {
			logger.WithError(err).Fatal("fetching cluster state")
		}
	default:
		fmt.Fprintf(os.Stderr, "usage: indexadm -addr ADDRESS state\n")
		os.Exit(2)
	}
}

func dumpState(addr string) error {
	resolver := func(nodeID string) (transport.Peer, bool) {
		if nodeID != targetNodeID {
			return transport.Peer{}, false
		}
		return transport.Peer{Address: addr, Protocol: version.CurrentProtocol}, true
	}

	tr := transport.NewGRPC("indexadm", version.CurrentProtocol, resolver, replication.ErrorCodec{}, logger)
	defer tr.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	resp, err := admin.FetchState(ctx, tr, targetNodeID)
	if err != nil {
		return err
	}

	admin.Render(os.Stdout, resp)
	return nil
}
