// Command tcpdnsproxy runs the TCP dataplane: one acceptor per configured
// endpoint, a fixed pool of workers each owning its own backend
// connection pool, and a round-robin policy oracle forwarding to the
// configured backends.
package main

import (
	"context"
	"flag"
	"fmt"
	"net"
	"os"
	"os/signal"
	"sync"
	"sync/atomic"
	"syscall"

	"github.com/miekg/dns"

	"tcpdnsproxy/accept"
	"tcpdnsproxy/config"
	"tcpdnsproxy/incoming"
	"tcpdnsproxy/stream"
	"tcpdnsproxy/types"
	"tcpdnsproxy/utils"
)

func main() {
	configPath := flag.String("config", "tcpdnsproxy.json", "path to the JSON configuration file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "tcpdnsproxy: %v\n", err)
		os.Exit(1)
	}

	utils.WriteLog(utils.LogInfo, "starting tcpdnsproxy: %d endpoint(s), %d backend(s), %d worker(s)",
		len(cfg.Endpoints), len(cfg.Backends), cfg.WorkerCount)

	if err := run(cfg); err != nil {
		utils.WriteLog(utils.LogError, "fatal: %v", err)
		os.Exit(1)
	}
}

func run(cfg *types.Config) error {
	global := &types.GlobalCounters{}
	epoch := &stream.TicketEpoch{}
	policy := roundRobinPolicy(cfg.Backends)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	workers := make([]*incoming.Worker, cfg.WorkerCount)
	for i := range workers {
		workers[i] = incoming.NewWorker(cfg, policy, global, epoch)
		go workers[i].Run(ctx)
	}

	acl := accept.NewACL(nil)
	limiter := accept.NewClientLimiter(cfg.MaxTCPConnectionsPerClient)
	queue := accept.NewQueueLimiter(cfg.MaxTCPQueuedConnections)

	var wg sync.WaitGroup
	errCh := make(chan error, len(cfg.Endpoints))
	for _, ep := range cfg.Endpoints {
		ep := ep
		a := accept.NewAcceptor(ep, cfg, acl, limiter, queue, global, workers)
		wg.Add(1)
		go func() {
			defer wg.Done()
			utils.WriteLog(utils.LogInfo, "listening on %s (%s)", ep.Addr, ep.Name)
			if err := a.Serve(ctx); err != nil {
				errCh <- fmt.Errorf("endpoint %s: %w", ep.Name, err)
			}
		}()
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		utils.WriteLog(utils.LogInfo, "received %s, shutting down", sig)
		cancel()
	case err := <-errCh:
		cancel()
		return err
	}

	wg.Wait()
	return nil
}

// roundRobinPolicy is the reference oracle wired for the binary to run
// standalone: forward every query to the next backend in the configured
// list. Real deployments implement incoming.Policy with their own rule
// evaluation; policy evaluation itself is out of scope for this dataplane.
func roundRobinPolicy(backends []*types.Backend) incoming.Policy {
	var next uint64
	return incoming.PolicyFunc(func(q *dns.Msg, _ net.IP, _ *types.EndpointConfig) incoming.Decision {
		if len(backends) == 0 {
			answer := new(dns.Msg)
			answer.SetRcode(q, dns.RcodeServerFailure)
			return incoming.Decision{Action: incoming.ActionAnswer, Answer: answer}
		}
		i := atomic.AddUint64(&next, 1) - 1
		return incoming.Decision{Action: incoming.ActionForward, Backend: backends[int(i%uint64(len(backends)))]}
	})
}
