// Package main implements fetchpartition, a command-line client that streams
// one shuffle partition from a remote shuffle service cluster to stdout.
//
// The tool builds the ordered server replication group list from its flags,
// drives the multi-group failover read client over it, and prints each
// record as a tab-separated line:
//
//	taskAttemptID \t key \t value
//
// Group list syntax (-servers):
//   - groups are separated by ';' and tried strictly in the given order
//   - replicas within a group are separated by ','
//   - each replica is serverID=host:port
//
// Example usage:
//
//	fetchpartition \
//	  -servers 'rss-1=10.0.0.1:9338,rss-2=10.0.0.2:9338;rss-3=10.0.0.3:9338' \
//	  -app app-2026082701 -app-attempt 1 -shuffle 3 -partition 42 \
//	  -user analytics -timeout 15s -retry-interval 250ms -retry-max 30s
//
// Exit codes:
//   - 0: partition fully streamed
//   - 1: bad flags or read failure
package main

import (
	"bufio"
	"errors"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/boy-uber/RemoteShuffleService/internal/client"
	"github.com/boy-uber/RemoteShuffleService/internal/replica"
	"github.com/boy-uber/RemoteShuffleService/internal/retry"
	"github.com/boy-uber/RemoteShuffleService/internal/shuffle"
)

// logFatal is a variable to allow mocking log.Fatal in tests.
var logFatal = log.Fatalf

func main() {
	servers := flag.String("servers", "", "server replication groups (see package doc)")
	appID := flag.String("app", "", "application id")
	appAttempt := flag.String("app-attempt", "1", "application attempt")
	shuffleID := flag.Int("shuffle", 0, "shuffle id")
	partition := flag.Int("partition", 0, "partition number")
	user := flag.String("user", "", "reading user")
	timeout := flag.Duration("timeout", 15*time.Second, "per-server connection timeout")
	retryInterval := flag.Duration("retry-interval", 250*time.Millisecond, "initial connect retry interval per group")
	retryMax := flag.Duration("retry-max", 30*time.Second, "total connect retry budget per group")
	pollInterval := flag.Duration("poll-interval", time.Second, "data availability poll interval")
	waitTime := flag.Duration("wait-time", time.Minute, "data availability wait budget")
	compressed := flag.Bool("compressed", false, "payload is zstd compressed")
	queueSize := flag.Int("queue", 16, "record read-ahead queue size per group")
	checkConsistency := flag.Bool("check-replica-consistency", false, "verify replicas agree on the data they serve")
	flag.Parse()

	groups, err := parseGroups(*servers)
	if err != nil {
		logFatal("bad -servers: %v", err)
	}

	partitionID := shuffle.PartitionID{
		AppID:      *appID,
		AppAttempt: *appAttempt,
		ShuffleID:  *shuffleID,
		Partition:  *partition,
	}

	opts := client.Options{
		Timeout: *timeout,
		Retry: retry.Policy{
			Interval:    *retryInterval,
			IntervalCap: *retryInterval * 10,
			Deadline:    *retryMax,
		},
		Compressed:                *compressed,
		ReadQueueSize:             *queueSize,
		User:                      *user,
		Partition:                 partitionID,
		DataAvailablePollInterval: *pollInterval,
		DataAvailableWaitTime:     *waitTime,
		CheckReplicaConsistency:   *checkConsistency,
	}

	reader, err := client.NewMultiServerReadClient(groups, opts, replica.Factory(opts))
	if err != nil {
		logFatal("build read client: %v", err)
	}
	defer reader.Close()

	if err := reader.Connect(); err != nil {
		if retry.Exhausted(err) {
			logFatal("connect: retry budget exhausted, no server group reachable: %v", err)
		} else {
			logFatal("connect: %v", err)
		}
	}
	log.Printf("connected: %s", reader)

	// Stop streaming on interrupt; the deferred Close releases the open
	// group.
	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)

	out := bufio.NewWriter(os.Stdout)
	defer out.Flush()

	records := 0
	for {
		select {
		case <-stop:
			log.Printf("interrupted after %d records, %d bytes", records, reader.ShuffleReadBytes())
			return
		default:
		}

		rec, ok, err := reader.ReadRecord()
		if err != nil {
			if retry.Exhausted(err) {
				logFatal("read: retry budget exhausted advancing to the next server group: %v", err)
			} else {
				logFatal("read: %v", err)
			}
		}
		if !ok {
			out.Flush()
			log.Printf("done: %d records, %d bytes from %s", records, reader.ShuffleReadBytes(), partitionID)
			return
		}
		records++
		fmt.Fprintf(out, "%d\t%s\t%s\n", rec.TaskAttemptID, rec.Key, rec.Value)
	}
}

// parseGroups turns the -servers flag into an ordered group list.
func parseGroups(spec string) ([]shuffle.ServerReplicationGroup, error) {
	if spec == "" {
		return nil, errors.New("no servers given")
	}

	var groups []shuffle.ServerReplicationGroup
	for _, groupSpec := range strings.Split(spec, ";") {
		var members []shuffle.ServerDetail
		for _, member := range strings.Split(groupSpec, ",") {
			id, addr, found := strings.Cut(strings.TrimSpace(member), "=")
			if !found || id == "" || addr == "" {
				return nil, fmt.Errorf("bad server %q, want serverID=host:port", member)
			}
			members = append(members, shuffle.ServerDetail{ServerID: id, ConnString: addr})
		}
		groups = append(groups, shuffle.NewServerReplicationGroup(members...))
	}
	return groups, nil
}
