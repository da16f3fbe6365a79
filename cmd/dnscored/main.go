// Command dnscored runs the DNS engine: an authoritative server with
// dynamic updates and zone transfer, plus a cache-backed stub resolver.
// The core packages are pure state machines; this binary owns the state,
// serializes access to it, and moves bytes.
package main

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"encoding/binary"
	"fmt"
	"net"
	"net/netip"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/haukened/dnscore/internal/dns/common/clock"
	"github.com/haukened/dnscore/internal/dns/common/log"
	"github.com/haukened/dnscore/internal/dns/common/rng"
	"github.com/haukened/dnscore/internal/dns/config"
	"github.com/haukened/dnscore/internal/dns/domain"
	"github.com/haukened/dnscore/internal/dns/gateways/transport"
	"github.com/haukened/dnscore/internal/dns/gateways/wire"
	"github.com/haukened/dnscore/internal/dns/repos/cache"
	"github.com/haukened/dnscore/internal/dns/repos/zone"
	"github.com/haukened/dnscore/internal/dns/repos/zonestore"
	"github.com/haukened/dnscore/internal/dns/repos/zonetree"
	"github.com/haukened/dnscore/internal/dns/services/auth"
	"github.com/haukened/dnscore/internal/dns/services/authority"
	"github.com/haukened/dnscore/internal/dns/services/primary"
	"github.com/haukened/dnscore/internal/dns/services/resolver"
	"github.com/haukened/dnscore/internal/dns/services/scrub"
	"github.com/haukened/dnscore/internal/dns/services/secondary"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	logger, err := log.New(cfg.Env, cfg.LogLevel)
	if err != nil {
		return err
	}

	tree := zonetree.New()
	zones, err := zone.LoadDirectory(cfg.ZoneDir, time.Hour)
	if err != nil {
		return fmt.Errorf("loading zones: %w", err)
	}
	if err := zone.MergeIntoTree(tree, zones); err != nil {
		return fmt.Errorf("zone data fails invariant check: %w", err)
	}
	logger.Info(map[string]any{"zones": len(zones), "names": tree.Len()}, "Zone data loaded")

	var snapshots *zonestore.Store
	if cfg.SnapshotPath != "" {
		snapshots, err = zonestore.Open(cfg.SnapshotPath)
		if err != nil {
			return fmt.Errorf("opening snapshot store: %w", err)
		}
		defer snapshots.Close()
		restoreSnapshots(snapshots, tree, logger)
	}

	upstreamCache, err := cache.New(int(cfg.CacheSize))
	if err != nil {
		return err
	}
	primeRootHints(upstreamCache, cfg.RootServers, logger)

	source := rng.New(seed(), seed())
	keys := auth.New(logger)
	if err := registerTSIGSecrets(keys, cfg.TSIGSecrets, logger); err != nil {
		return err
	}
	pri := primary.New(source, logger)
	var sink secondary.SnapshotSink
	if snapshots != nil {
		sink = snapshots
	}
	sec := secondary.New(source, logger, sink)

	srv := &server{
		clock:     clock.RealClock{},
		codec:     wire.NewMiekgCodec(wire.NewHMACVerifier(keys)),
		signer:    wire.NewHMACSigner(keys),
		authority: authority.New(tree, keys, pri, logger),
		primary:   pri,
		secondary: sec,
		tree:      tree,
		resolver:  resolver.New(upstreamCache, source, logger),
		rescache:  upstreamCache,
		rng:       source,
		pending:   make(map[uint16]pendingResolve),
		logger:    logger,
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	bind := net.JoinHostPort("", strconv.Itoa(cfg.Port))
	udp := transport.NewUDPListener(bind, logger)
	tcp := transport.NewTCPListener(bind, logger)
	if err := udp.Start(ctx, srv); err != nil {
		return err
	}
	defer udp.Stop()
	if err := tcp.Start(ctx, srv); err != nil {
		return err
	}
	defer tcp.Stop()
	srv.udp = udp

	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			logger.Info(nil, "Shutting down")
			return nil
		case now := <-ticker.C:
			srv.tick(now)
		}
	}
}

// server owns the core state. The engines require a single owning task;
// the mutex provides that exclusivity across the listeners and the timer.
type server struct {
	mu        sync.Mutex
	clock     clock.Clock
	codec     wire.Codec
	signer    wire.TSIGSigner
	authority *authority.Engine
	primary   *primary.State
	secondary *secondary.State
	tree      *zonetree.Tree
	resolver  *resolver.Engine
	rescache  *cache.Cache
	rng       rng.Source
	udp       *transport.UDPListener
	pending   map[uint16]pendingResolve
	logger    log.Logger
}

// pendingResolve tracks one client query parked while the resolver waits
// for an upstream answer.
type pendingResolve struct {
	client   netip.AddrPort
	clientID uint16
	question domain.Question
	hops     int
}

// maxResolveHops bounds how many upstream round trips one client query
// may trigger.
const maxResolveHops = 16

// Serve implements transport.Handler.
func (s *server) Serve(raw []byte, peer netip.AddrPort, tcp bool) []byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.clock.Now()

	msg, err := s.codec.Decode(raw)
	if err != nil {
		s.logger.Debug(map[string]any{"error": err.Error(), "peer": peer.String()}, "Dropping undecodable message")
		return nil
	}

	if msg.Header.Opcode == domain.OpcodeUpdate {
		req, err := s.codec.DecodeUpdate(raw)
		if err != nil {
			return nil
		}
		reply, actions := s.authority.HandleUpdate(now, req)
		s.applyKeyActions(actions)
		return s.encode(reply)
	}

	if msg.Header.Response {
		s.handleAnswer(now, msg, peer)
		return nil
	}

	reply := s.authority.Handle(now, msg, authority.Source{Peer: peer, TCP: tcp})
	if reply != nil && reply.Header.RCode == domain.RCodeRefused &&
		msg.Header.RecursionDesired && !tcp && msg.Question != nil {
		// Outside our authority and the client wants recursion: try the
		// cache-driven resolver instead.
		return s.resolve(now, pendingResolve{
			client:   peer,
			clientID: msg.Header.ID,
			question: *msg.Question,
		})
	}
	return s.encode(reply)
}

// resolve drives the resolver engine for a parked client query. A cache
// answer replies immediately; an outbound query parks the client until
// the upstream answer returns through handleAnswer.
func (s *server) resolve(now time.Time, p pendingResolve) []byte {
	outcome, err := s.resolver.Resolve(now, p.question)
	if err != nil {
		s.logger.Warn(map[string]any{
			"name":  p.question.Name.String(),
			"error": err.Error(),
		}, "Resolution failed")
		return s.encode(s.clientReply(p, &resolver.Reply{RCode: domain.RCodeServFail}))
	}
	if outcome.Reply != nil {
		return s.encode(s.clientReply(p, outcome.Reply))
	}

	if p.hops >= maxResolveHops {
		return s.encode(s.clientReply(p, &resolver.Reply{RCode: domain.RCodeServFail}))
	}
	id := s.rng.ID()
	s.pending[id] = pendingResolve{client: p.client, clientID: p.clientID, question: p.question, hops: p.hops + 1}
	q := outcome.Query
	s.send(&domain.Message{
		Header:   domain.Header{ID: id, Opcode: domain.OpcodeQuery},
		Question: &domain.Question{Name: q.Name, Type: q.Type, Class: domain.RRClassIN},
	}, netip.AddrPortFrom(q.Peer, 53), false, domain.Root())
	return nil
}

// clientReply shapes a resolver outcome into the client-facing message.
func (s *server) clientReply(p pendingResolve, r *resolver.Reply) *domain.Message {
	return &domain.Message{
		Header: domain.Header{
			ID:                 p.clientID,
			Opcode:             domain.OpcodeQuery,
			Response:           true,
			RecursionDesired:   true,
			RecursionAvailable: true,
			RCode:              r.RCode,
		},
		Question:  &p.question,
		Answers:   r.Answers,
		Authority: r.Authority,
	}
}

// handleAnswer routes responses from peers into the replication state.
func (s *server) handleAnswer(now time.Time, msg *domain.Message, peer netip.AddrPort) {
	switch {
	case msg.Header.Opcode == domain.OpcodeNotify:
		s.primary.HandleResponse(peer.Addr(), msg)
	case msg.Question != nil && msg.Question.Type == domain.RRTypeAXFR:
		if err := s.secondary.HandleAXFR(now, msg, s.tree); err != nil {
			s.logger.Warn(map[string]any{"error": err.Error()}, "Rejected AXFR answer")
		}
	case msg.Question != nil && msg.Question.Type == domain.RRTypeSOA && s.secondaryOwns(msg):
		out, err := s.secondary.HandleSOA(now, msg, s.tree)
		if err != nil {
			s.logger.Warn(map[string]any{"error": err.Error()}, "Rejected SOA answer")
			return
		}
		s.emit(out)
	default:
		s.handleUpstreamAnswer(now, msg)
	}
}

// secondaryOwns reports whether an SOA answer belongs to a replicated
// zone rather than the resolver.
func (s *server) secondaryOwns(msg *domain.Message) bool {
	for _, zone := range s.secondary.Zones() {
		if msg.Question.Name.Equal(zone) {
			return true
		}
	}
	return false
}

// handleUpstreamAnswer scrubs a resolver answer into the cache and
// re-drives the parked client query.
func (s *server) handleUpstreamAnswer(now time.Time, msg *domain.Message) {
	p, ok := s.pending[msg.Header.ID]
	if !ok || msg.Question == nil {
		return
	}
	delete(s.pending, msg.Header.ID)

	upstreamQ := domain.Question{Name: msg.Question.Name, Type: msg.Question.Type, Class: msg.Question.Class}
	inserts, err := scrub.Scrub(upstreamQ, msg)
	if err != nil {
		s.logger.Warn(map[string]any{"error": err.Error()}, "Discarding unscrubbable answer")
		if raw := s.encode(s.clientReply(p, &resolver.Reply{RCode: domain.RCodeServFail})); raw != nil && s.udp != nil {
			_ = s.udp.Send(raw, p.client)
		}
		return
	}
	for _, ins := range inserts {
		s.rescache.Insert(now, ins.Name, ins.Type, ins.Rank, ins.Value)
	}
	if raw := s.resolve(now, p); raw != nil && s.udp != nil {
		_ = s.udp.Send(raw, p.client)
	}
}

// applyKeyActions bootstraps or retires secondary zones when transfer
// keys appear or disappear through key-management updates.
func (s *server) applyKeyActions(actions []auth.Action) {
	for _, action := range actions {
		info, err := auth.ParseKeyName(action.Key)
		if err != nil || info.Op != auth.OpTransfer || info.Primary == nil {
			continue
		}
		switch action.Kind {
		case auth.AddedKey:
			s.secondary.AddZone(info.Zone, info.Primary.AddrPort(), action.Key)
			s.logger.Info(map[string]any{"zone": info.Zone.String()}, "Secondary zone bootstrapped from transfer key")
		case auth.RemovedKey:
			s.secondary.RemoveZone(info.Zone)
		}
	}
}

// tick drives the replication timers and emits whatever is due.
func (s *server) tick(now time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, env := range s.primary.Timer(now) {
		s.send(env.Msg, env.Peer, false, domain.Root())
	}
	s.emit(s.secondary.Timer(now, s.tree))
}

func (s *server) emit(envs []secondary.Envelope) {
	for _, env := range envs {
		s.send(env.Msg, env.Peer, env.TCP, env.Key)
	}
}

// send encodes and transmits one outbound message, signing it when a key
// is named. Transfers go over a short-lived TCP connection whose reply
// feeds back into the secondary state; everything else is a datagram.
func (s *server) send(msg *domain.Message, peer netip.AddrPort, tcp bool, key domain.Name) {
	raw, err := s.codec.Encode(msg)
	if err != nil {
		s.logger.Error(map[string]any{"error": err.Error()}, "Failed to encode outbound message")
		return
	}
	if !key.IsRoot() {
		raw, err = s.signer.Sign(raw, key)
		if err != nil {
			s.logger.Error(map[string]any{
				"error": err.Error(),
				"key":   key.String(),
			}, "Failed to sign outbound message")
			return
		}
	}
	if tcp {
		go s.exchangeTCP(raw, peer)
		return
	}
	if s.udp == nil {
		return
	}
	if err := s.udp.Send(raw, peer); err != nil {
		s.logger.Warn(map[string]any{"error": err.Error(), "peer": peer.String()}, "Failed to send datagram")
	}
}

// exchangeTCP performs one length-prefixed request/response exchange and
// feeds the reply back through Serve's answer path.
func (s *server) exchangeTCP(raw []byte, peer netip.AddrPort) {
	conn, err := net.DialTimeout("tcp", peer.String(), 10*time.Second)
	if err != nil {
		s.logger.Warn(map[string]any{"error": err.Error(), "peer": peer.String()}, "TCP dial failed")
		return
	}
	defer conn.Close()
	_ = conn.SetDeadline(time.Now().Add(30 * time.Second))

	prefix := make([]byte, 2, 2+len(raw))
	binary.BigEndian.PutUint16(prefix, uint16(len(raw)))
	if _, err := conn.Write(append(prefix, raw...)); err != nil {
		return
	}
	var lenBuf [2]byte
	if _, err := conn.Read(lenBuf[:]); err != nil {
		return
	}
	reply := make([]byte, binary.BigEndian.Uint16(lenBuf[:]))
	if _, err := conn.Read(reply); err != nil {
		return
	}
	s.Serve(reply, peer, true)
}

func (s *server) encode(msg *domain.Message) []byte {
	if msg == nil {
		return nil
	}
	raw, err := s.codec.Encode(msg)
	if err != nil {
		s.logger.Error(map[string]any{"error": err.Error()}, "Failed to encode reply")
		return nil
	}
	return raw
}

// tsigKeyAlgorithm is the DNSKEY algorithm number recorded for
// HMAC-backed transaction keys.
const tsigKeyAlgorithm = 157

// registerTSIGSecrets loads configured keyname=secret pairs into the key
// store: the secret for the wire verifier and signer, and a DNSKEY entry
// so the key authorizes the operation its name encodes.
func registerTSIGSecrets(keys *auth.Store, entries []string, logger log.Logger) error {
	for _, entry := range entries {
		nameStr, secret, ok := strings.Cut(entry, "=")
		if !ok || nameStr == "" || secret == "" {
			return fmt.Errorf("malformed tsig secret %q (want keyname=base64-secret)", entry)
		}
		keyName, err := domain.ParseName(nameStr)
		if err != nil {
			return fmt.Errorf("invalid tsig key name %q: %w", nameStr, err)
		}
		if _, err := auth.ParseKeyName(keyName); err != nil {
			return fmt.Errorf("tsig key %q grants nothing: %w", nameStr, err)
		}
		decoded, err := base64.StdEncoding.DecodeString(secret)
		if err != nil {
			return fmt.Errorf("tsig secret for %q is not base64: %w", nameStr, err)
		}
		keys.SetSecret(keyName, secret)
		keys.AddKey(keyName, domain.DNSKEYRecord{
			Flags:     256,
			Protocol:  3,
			Algorithm: tsigKeyAlgorithm,
			PublicKey: decoded,
		}, 300)
		logger.Info(map[string]any{"key": keyName.String()}, "TSIG key registered")
	}
	return nil
}

// restoreSnapshots reloads previously transferred zones so the secondary
// serves stale data until its first refresh.
func restoreSnapshots(store *zonestore.Store, tree *zonetree.Tree, logger log.Logger) {
	apexes, err := store.Zones()
	if err != nil {
		logger.Warn(map[string]any{"error": err.Error()}, "Failed to list zone snapshots")
		return
	}
	for _, apex := range apexes {
		records, found, err := store.LoadZone(apex)
		if err != nil || !found {
			continue
		}
		for _, rec := range records {
			tree.Merge(rec.Name, rec.Set.Data.RRType(), rec.Set)
		}
		logger.Info(map[string]any{"zone": apex.String()}, "Restored zone snapshot")
	}
}

// primeRootHints seeds the resolver cache with root server addresses.
func primeRootHints(c *cache.Cache, servers []string, logger log.Logger) {
	now := time.Now()
	var addrs []netip.Addr
	var names []domain.Name
	for i, server := range servers {
		host, _, err := net.SplitHostPort(server)
		if err != nil {
			continue
		}
		addr, err := netip.ParseAddr(host)
		if err != nil || !addr.Is4() {
			continue
		}
		hint := domain.MustParseName(fmt.Sprintf("%c.root-servers.net", 'a'+i))
		names = append(names, hint)
		addrs = append(addrs, addr)
		c.Insert(now, hint, domain.RRTypeA, domain.RankZoneFile, cache.Value{
			Kind: cache.ValueEntry,
			Set:  domain.RRSet{TTL: 14 * 24 * 3600, Data: domain.AData{Addrs: []netip.Addr{addr}}},
		})
	}
	if len(names) == 0 {
		return
	}
	c.Insert(now, domain.Root(), domain.RRTypeNS, domain.RankZoneFile, cache.Value{
		Kind: cache.ValueEntry,
		Set:  domain.RRSet{TTL: 14 * 24 * 3600, Data: domain.NSData{Names: names}},
	})
	logger.Info(map[string]any{"count": len(addrs)}, "Root hints primed")
}

// seed draws entropy for the engine's rng.
func seed() uint64 {
	var buf [8]byte
	if _, err := rand.Read(buf[:]); err != nil {
		return uint64(time.Now().UnixNano())
	}
	return binary.LittleEndian.Uint64(buf[:])
}
