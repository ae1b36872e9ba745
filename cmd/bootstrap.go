package main

import (
	"fmt"
	"net"
	"path/filepath"
	"time"

	"github.com/google/uuid"

	"quartzdb/internal/configuration/properties"
	"quartzdb/internal/exchange"
	"quartzdb/internal/hlc"
	"quartzdb/internal/metastore"
	"quartzdb/internal/metrics"
	"quartzdb/internal/network"
	"quartzdb/internal/replication"
	"quartzdb/internal/replication/rpc"
	"quartzdb/internal/replication/snapshot"
	"quartzdb/internal/storage"
)

// metastoreGroup is the replication group holding cluster metadata,
// alongside the numbered partition groups.
const metastoreGroup = "metastore"

type node struct {
	cfg *properties.Config

	topology  *network.TopologyService
	messaging *network.GRPCMessaging
	server    *network.Server
	metricsrv *metrics.Server

	rpcClient *rpc.Client
	transport *replication.Transport
	groups    []*replication.Group
	groupSvc  *replication.Service

	exchangeSvc *exchange.Service
	snapshots   *snapshot.Manager
	metastore   *metastore.Service
	clock       *hlc.Clock
}

func newNode(cfg *properties.Config) (*node, error) {
	rc := &cfg.Replication
	localAddr := net.JoinHostPort(cfg.Transport.Address, cfg.Transport.Port)

	topology := network.NewTopologyService()
	for id, addr := range rc.Peers {
		topology.AddMember(network.Member{
			ID:      id,
			Name:    rc.PeerNames[id],
			Address: addr,
		})
	}

	messaging := network.NewGRPCMessaging()
	rpcClient := rpc.NewClient(messaging, topology, rc.NodeName)
	transport := replication.NewTransport(messaging, rc.NodeName, rc.Peers, 0)

	groupSvc := replication.NewService(replication.ServiceConfig{
		LocalName:     rc.NodeName,
		LocalAddr:     localAddr,
		InvokeTimeout: time.Duration(cfg.RPC.DefaultTimeout) * time.Millisecond,
		MaxRetries:    cfg.RPC.RetryMaxAttempts,
		RetryBackoff:  time.Duration(cfg.RPC.RetryBackoff) * time.Millisecond,
	}, rpcClient)

	exchangeSvc := exchange.NewService(
		exchange.ServiceConfig{
			LocalName:    rc.NodeName,
			BatchSize:    cfg.Exchange.BatchSize,
			CreditWindow: cfg.Exchange.CreditWindow,
		},
		rpcClient,
		topology,
		exchange.NewExecutor(cfg.Exchange.ExecutorQueueDepth),
	)

	server := network.NewServer(network.ServerConfig{
		Network:              cfg.Transport.Network,
		Address:              localAddr,
		MaxConcurrentStreams: cfg.Transport.MaxConcurrentStreams,
	})
	groupSvc.RegisterHandlers(server)
	exchangeSvc.RegisterHandlers(server)

	groupIDs := make([]string, 0, rc.Partitions+1)
	groupIDs = append(groupIDs, metastoreGroup)
	for i := 0; i < rc.Partitions; i++ {
		groupIDs = append(groupIDs, fmt.Sprintf("partition-%d", i))
	}

	n := &node{
		cfg:         cfg,
		topology:    topology,
		messaging:   messaging,
		server:      server,
		metricsrv:   metrics.NewServer(cfg.Transport.MetricsAddr),
		rpcClient:   rpcClient,
		transport:   transport,
		groupSvc:    groupSvc,
		exchangeSvc: exchangeSvc,
		snapshots:   snapshot.NewManager(),
		clock:       hlc.NewClock(),
	}

	for i, id := range groupIDs {
		store := storage.NewPartitionStore()
		listener := storage.NewPartitionListener(store)

		g, err := replication.NewGroup(replication.GroupConfig{
			ID:     id,
			NodeID: rc.NodeID,
			Peers:  rc.Peers,
			Dir:    filepath.Join(rc.StorageBaseDir, id),

			Snapshots: n.snapshots,
			SnapshotKey: snapshot.PartitionKey{
				TableID:        uuid.NewSHA1(uuid.NameSpaceOID, []byte(id)),
				PartitionIndex: i,
			},

			WalNoSync:       rc.Wal.NoSync,
			TickInterval:    time.Duration(rc.TickInterval) * time.Millisecond,
			SnapCount:       rc.SnapCount,
			StepInboxSize:   int(rc.StepInboxSize),
			ApplyQueueDepth: rc.ApplyQueueDepth,
			DrainTimeout:    time.Duration(rc.DrainTimeout) * time.Millisecond,

			ElectionTick:              rc.Engine.ElectionTick,
			HeartbeatTick:             rc.Engine.HeartbeatTick,
			MaxSizePerMsg:             rc.Engine.MaxSizePerMsg,
			MaxInflightMsgs:           rc.Engine.MaxInflightMsgs,
			MaxUncommittedEntriesSize: rc.Engine.MaxUncommittedEntriesSize,
		}, listener, store, transport)
		if err != nil {
			return nil, fmt.Errorf("create group %s: %w", id, err)
		}

		n.groups = append(n.groups, g)
		groupSvc.AddGroup(g)
	}

	n.metastore = metastore.NewService(groupSvc, metastoreGroup, n.clock)

	return n, nil
}

func (n *node) start() error {
	if err := n.metricsrv.Start(); err != nil {
		return fmt.Errorf("start metrics server: %w", err)
	}
	if _, err := n.server.Start(); err != nil {
		return fmt.Errorf("start messaging server: %w", err)
	}
	for _, g := range n.groups {
		g.Start()
	}
	n.metricsrv.SetReady(true)
	return nil
}

func (n *node) stop() {
	n.metricsrv.SetReady(false)
	n.groupSvc.StopAll()
	n.exchangeSvc.Stop()
	n.rpcClient.Stop()
	n.transport.Drain(time.Duration(n.cfg.Replication.DrainTimeout) * time.Millisecond)
	n.transport.Stop()
	n.server.Stop()
	n.messaging.Close()
	n.metricsrv.Stop()
}
