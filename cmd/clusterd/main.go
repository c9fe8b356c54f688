// Command clusterd runs one node of the gossip cluster: the membership
// and failure-detection core described by the rest of this module, wired
// to a TCP cluster-bus listener, a periodic cron driver, and a read-only
// HTTP introspection surface. It deliberately does not speak the data
// plane's client protocol; that belongs to a different binary entirely.
package main

import (
	"context"
	"net"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/code-100-precent/clusterbus/api"
	"github.com/code-100-precent/clusterbus/cluster"
	clusterconfig "github.com/code-100-precent/clusterbus/config"
	"github.com/code-100-precent/clusterbus/keyspace"
	"github.com/code-100-precent/clusterbus/persistence"
)

var (
	flagConfFile string
	flagDataDir  string
	flagBusAddr  string
	flagHTTPAddr string
	flagLogLevel string
)

func main() {
	root := &cobra.Command{
		Use:   "clusterd",
		Short: "gossip-based cluster membership and failover daemon",
		RunE:  run,
	}
	root.Flags().StringVar(&flagConfFile, "conf", "", "path to a cluster.conf style config file")
	root.Flags().StringVar(&flagDataDir, "dir", ".", "directory holding nodes.conf and the process lock")
	root.Flags().StringVar(&flagBusAddr, "bus-addr", ":16379", "cluster-bus TCP listen address")
	root.Flags().StringVar(&flagHTTPAddr, "http-addr", ":7080", "read-only introspection HTTP listen address")
	root.Flags().StringVar(&flagLogLevel, "log-level", "info", "log level: debug, info, warn, error")

	if err := root.Execute(); err != nil {
		logrus.WithError(err).Fatal("clusterd exited with error")
	}
}

func run(cmd *cobra.Command, args []string) error {
	log := logrus.New()
	if lvl, err := logrus.ParseLevel(flagLogLevel); err == nil {
		log.SetLevel(lvl)
	}
	entry := logrus.NewEntry(log)

	cfg := cluster.DefaultConfig()
	if flagConfFile != "" {
		fc, fileCfg, err := clusterconfig.Load(flagConfFile)
		if err != nil {
			return err
		}
		cfg = fileCfg
		if fc.DataDir != "" && !cmd.Flags().Changed("dir") {
			flagDataDir = fc.DataDir
		}
		if fc.BusPort != 0 && !cmd.Flags().Changed("bus-addr") {
			host, _ := splitBusAddr(flagBusAddr)
			flagBusAddr = net.JoinHostPort(host, strconv.Itoa(fc.BusPort))
		}
	}

	lockPath := filepath.Join(flagDataDir, "nodes.conf.lock")
	lock, err := persistence.AcquireLock(lockPath)
	if err != nil {
		return err
	}
	defer lock.Release()

	nodesPath := filepath.Join(flagDataDir, "nodes.conf")
	state, err := loadOrInitState(nodesPath, flagBusAddr, entry)
	if err != nil {
		return err
	}

	cluster.SetKeySlotFunc(keyspace.KeySlot)

	store := keyspace.NewStore()
	dispatcher := cluster.NewDispatcher(state, cfg, store, entry)
	bus := NewBus(state, cfg, dispatcher, 0, entry)
	cron := cluster.NewCron(state, cfg, store, bus, bus, entry)
	admin := cluster.NewAdmin(state, cfg, store, bus, bus, entry)
	httpServer := api.New(admin)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		cancel()
	}()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return bus.Listen(gctx, flagBusAddr) })
	g.Go(func() error { return httpServer.Run(flagHTTPAddr) })
	g.Go(func() error {
		stop := make(chan struct{})
		go func() {
			<-gctx.Done()
			close(stop)
		}()
		cron.Run(stop)
		return nil
	})
	g.Go(func() error { return periodicSave(gctx, nodesPath, state, entry) })

	entry.WithFields(logrus.Fields{"bus_addr": flagBusAddr, "http_addr": flagHTTPAddr, "node_id": state.SelfID}).Info("clusterd started")
	return g.Wait()
}

// loadOrInitState reconstructs cluster state from an existing node table,
// or starts a fresh single-node shard if none exists yet.
func loadOrInitState(path, busAddr string, log *logrus.Entry) (*cluster.State, error) {
	if _, err := os.Stat(path); err == nil {
		table, err := persistence.Load(path)
		if err != nil {
			return nil, err
		}
		return stateFromTable(table, log)
	}

	selfID := cluster.GenerateID()
	s := cluster.NewState(selfID, log)
	ip, port := splitBusAddr(busAddr)
	self := &cluster.Node{
		ID:           selfID,
		Flags:        cluster.FlagSelf | cluster.FlagPrimary,
		IP:           ip,
		BusPort:      port,
		ClientPort:   port - 10000,
		CreationTime: time.Now(),
	}
	s.AddNode(self)
	return s, nil
}

func stateFromTable(table *persistence.Table, log *logrus.Entry) (*cluster.State, error) {
	var selfID string
	for _, rec := range table.Nodes {
		for _, f := range rec.Flags {
			if f == "myself" {
				selfID = rec.ID
			}
		}
	}
	s := cluster.NewState(selfID, log)
	s.CurrentEpoch = table.CurrentEpoch
	s.LastVoteEpoch = table.LastVoteEpoch
	for _, rec := range table.Nodes {
		n := nodeFromRecord(rec)
		s.AddNode(n)
		for _, tok := range rec.Slots {
			if tok.Kind == persistence.KindSingle {
				s.SetSlotOwner(tok.Start, n.ID)
			} else if tok.Kind == persistence.KindRange {
				for slot := tok.Start; slot <= tok.End; slot++ {
					s.SetSlotOwner(slot, n.ID)
				}
			}
		}
	}
	return s, nil
}

func nodeFromRecord(rec persistence.NodeRecord) *cluster.Node {
	n := &cluster.Node{
		ID:           rec.ID,
		IP:           rec.IP,
		ClientPort:   rec.ClientPort,
		BusPort:      rec.BusPort,
		Hostname:     rec.Hostname,
		ConfigEpoch:  rec.ConfigEpoch,
		ReplicatesOf: rec.PrimaryID,
		CreationTime: time.Now(),
	}
	for _, f := range rec.Flags {
		switch f {
		case "myself":
			n.Flags |= cluster.FlagSelf
		case "master":
			n.Flags |= cluster.FlagPrimary
		case "slave":
			n.Flags |= cluster.FlagReplica
		case "fail":
			n.Flags |= cluster.FlagFail
		case "fail?":
			n.Flags |= cluster.FlagPFail
		case "handshake":
			n.Flags |= cluster.FlagHandshake
		case "noaddr":
			n.Flags |= cluster.FlagNoAddress
		}
	}
	return n
}

// periodicSave snapshots the node table to disk every interval, the same
// durability cadence as a server that checkpoints its routing view
// rather than fsyncing on every single change.
func periodicSave(ctx context.Context, path string, s *cluster.State, log *logrus.Entry) error {
	ticker := time.NewTicker(5 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return saveTable(path, s)
		case <-ticker.C:
			if err := saveTable(path, s); err != nil {
				log.WithError(err).Warn("failed to persist node table")
			}
		}
	}
}

func saveTable(path string, s *cluster.State) error {
	table := &persistence.Table{CurrentEpoch: s.CurrentEpoch, LastVoteEpoch: s.LastVoteEpoch}
	for _, n := range s.Nodes() {
		table.Nodes = append(table.Nodes, recordFromNode(n, s))
	}
	return persistence.Save(path, table)
}

func recordFromNode(n *cluster.Node, s *cluster.State) persistence.NodeRecord {
	rec := persistence.NodeRecord{
		ID:          n.ID,
		IP:          n.IP,
		ClientPort:  n.ClientPort,
		BusPort:     n.BusPort,
		Hostname:    n.Hostname,
		PrimaryID:   n.ReplicatesOf,
		ConfigEpoch: n.ConfigEpoch,
		Connected:   n.OutLink != nil || n.Flags.Has(cluster.FlagSelf),
	}
	if n.Flags.Has(cluster.FlagSelf) {
		rec.Flags = append(rec.Flags, "myself")
	}
	if n.IsPrimary() {
		rec.Flags = append(rec.Flags, "master")
	} else {
		rec.Flags = append(rec.Flags, "slave")
	}
	if n.Flags.Has(cluster.FlagFail) {
		rec.Flags = append(rec.Flags, "fail")
	} else if n.Flags.Has(cluster.FlagPFail) {
		rec.Flags = append(rec.Flags, "fail?")
	}
	for slot := 0; slot < 16384; slot++ {
		if s.SlotOwner(slot) == n.ID {
			rec.Slots = append(rec.Slots, persistence.SlotToken{Kind: persistence.KindSingle, Start: slot})
		}
	}
	return rec
}

func splitBusAddr(addr string) (string, uint16) {
	host, portStr, err := net.SplitHostPort(addr)
	if err != nil {
		return "0.0.0.0", 16379
	}
	if host == "" {
		host = "0.0.0.0"
	}
	p, err := strconv.Atoi(portStr)
	if err != nil {
		p = 16379
	}
	return host, uint16(p)
}
