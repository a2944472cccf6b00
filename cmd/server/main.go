package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/pairlink/chat-app/internal/events"
	"github.com/pairlink/chat-app/internal/identity"
	"github.com/pairlink/chat-app/internal/message"
	"github.com/pairlink/chat-app/internal/messaging"
	"github.com/pairlink/chat-app/internal/metrics"
	"github.com/pairlink/chat-app/internal/pairing"
	"github.com/pairlink/chat-app/internal/postgres"
	"github.com/pairlink/chat-app/internal/presence"
	"github.com/pairlink/chat-app/internal/protocol"
	"github.com/pairlink/chat-app/internal/ratelimit"
	"github.com/pairlink/chat-app/internal/typing"
	"github.com/pairlink/chat-app/internal/ws"
	"github.com/pairlink/chat-app/pkg/apperr"
)

// clientState holds the per-session event subscriptions and typing timers so
// they can be torn down when the connection closes.
type clientState struct {
	mu       sync.Mutex
	subs     []*events.Subscription
	partners map[string]bool          // partner ids with live pair/presence subs
	timers   map[string]*typing.Timer // pair key -> producer typing timer
}

func main() {
	config := ws.DefaultServerConfig()

	if addr := os.Getenv("LISTEN_ADDR"); addr != "" {
		config.ListenAddr = addr
	}
	if v := os.Getenv("WORKER_POOL_SIZE"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			config.WorkerPoolSize = n
		}
	}
	if v := os.Getenv("MAX_CONNECTIONS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			config.MaxConnections = n
		}
	}
	if v := os.Getenv("READ_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			config.ReadTimeout = d
		}
	}
	if v := os.Getenv("WRITE_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			config.WriteTimeout = d
		}
	}

	serverName, _ := os.Hostname()
	if v := os.Getenv("SERVER_NAME"); v != "" {
		serverName = v
	}
	if serverName == "" {
		serverName = "pairlink-1"
	}

	// --- Identity ---
	// Roles arrive out-of-band from the account system. USER_ROLES holds a
	// comma-separated id=role list, e.g. "u1=sponsor,u2=subject".
	resolver := identity.StaticResolver{}
	for _, entry := range strings.Split(os.Getenv("USER_ROLES"), ",") {
		parts := strings.SplitN(strings.TrimSpace(entry), "=", 2)
		if len(parts) != 2 {
			continue
		}
		role := identity.Role(parts[1])
		if !role.Valid() {
			log.Fatalf("invalid role %q for user %q in USER_ROLES", parts[1], parts[0])
		}
		resolver[parts[0]] = role
	}
	if len(resolver) == 0 {
		log.Fatalf("USER_ROLES is empty; no users can connect")
	}

	// --- Storage ---
	var (
		pairStore pairing.Store
		msgStore  message.Store
	)
	dsn := os.Getenv("DATABASE_URL")
	if dsn != "" {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		db, err := postgres.Open(ctx, dsn)
		cancel()
		if err != nil {
			log.Fatalf("failed to connect to postgres: %v", err)
		}
		if err := postgres.Migrate(db); err != nil {
			log.Fatalf("failed to run migrations: %v", err)
		}
		pairStore = pairing.NewPostgresStore(db)
		msgStore = message.NewPostgresStore(db)
	} else {
		log.Printf("DATABASE_URL not set, using in-memory stores (data is not durable)")
		pairStore = pairing.NewMemoryStore()
		msgStore = message.NewMemoryStore()
	}

	// --- Events + NATS ---
	dispatcher := events.NewDispatcher()

	var bridge *messaging.Bridge
	if natsURL := os.Getenv("NATS_URL"); natsURL != "" {
		natsConfig := messaging.DefaultConfig()
		natsConfig.URL = natsURL
		natsConfig.Name = serverName
		var err error
		bridge, err = messaging.NewBridge(natsConfig, dispatcher, serverName)
		if err != nil {
			log.Fatalf("failed to connect to NATS: %v", err)
		}
	} else {
		log.Printf("NATS_URL not set, running single-instance (no cross-server fanout)")
	}

	// --- Redis rate limiting ---
	var limiter *ratelimit.Limiter
	if redisAddr := os.Getenv("REDIS_ADDR"); redisAddr != "" {
		rdb := redis.NewClient(&redis.Options{Addr: redisAddr})
		limiter = ratelimit.NewLimiter(rdb)
	} else {
		log.Printf("REDIS_ADDR not set, rate limiting disabled")
	}

	// --- Domain components ---
	manager := pairing.NewManager(pairStore, dispatcher)
	msgLog := message.NewLog(msgStore, pairStore, dispatcher)
	tracker := presence.NewTracker(dispatcher, presence.DefaultConfig())
	typingBus := typing.NewBus(dispatcher)

	log.Printf("pairlink server starting")
	log.Printf("  listen_addr:     %s", config.ListenAddr)
	log.Printf("  worker_pool:     %d", config.WorkerPoolSize)
	log.Printf("  max_connections: %d", config.MaxConnections)
	log.Printf("  server_name:     %s", serverName)
	log.Printf("  storage:         %s", storageKind(dsn))
	log.Printf("  users:           %d", len(resolver))

	// Declare server early so closures can capture it.
	var server *ws.Server
	msgDispatcher := ws.NewMessageDispatcher(nil)

	states := sync.Map{} // session id -> *clientState

	stateFor := func(conn *ws.Connection) *clientState {
		v, _ := states.LoadOrStore(conn.ID, &clientState{
			partners: make(map[string]bool),
			timers:   make(map[string]*typing.Timer),
		})
		return v.(*clientState)
	}

	// sendDomainError maps a typed error onto the wire error format.
	sendDomainError := func(conn *ws.Connection, err error) {
		code := apperr.CodeOf(err)
		if code == "" {
			code = apperr.CodeUnavailable
		}
		msgDispatcher.SendError(conn, strings.ToLower(string(code)), err.Error())
	}

	// ensurePairSubs subscribes the session to the pair and presence topics
	// for one counterpart. Idempotent per (session, partner).
	ensurePairSubs := func(conn *ws.Connection, partnerID string) {
		st := stateFor(conn)
		st.mu.Lock()
		defer st.mu.Unlock()
		if st.partners[partnerID] {
			return
		}
		st.partners[partnerID] = true

		pairSub := dispatcher.Subscribe(events.PairTopic(conn.UserID, partnerID), func(evt events.Event) {
			switch evt.Type {
			case events.TypeMessageNew:
				var pe events.MessageEvent
				if err := evt.Decode(&pe); err != nil {
					return
				}
				if pe.ReceiverID != conn.UserID {
					return // the sender already has the ack
				}
				resp, _ := protocol.NewServerMessage(protocol.TypeMessageNew, protocol.MessageNewMsg{
					Message: message.Message{
						ID:            pe.ID,
						SenderID:      pe.SenderID,
						ReceiverID:    pe.ReceiverID,
						Content:       pe.Content,
						AttachmentRef: pe.AttachmentRef,
						CreatedAt:     pe.CreatedAt,
					},
				})
				_ = conn.WriteMessage(resp)
				metrics.MessagesTotal.WithLabelValues("delivered").Inc()

			case events.TypeMessageRead:
				var re events.ReadEvent
				if err := evt.Decode(&re); err != nil {
					return
				}
				if re.ReaderID == conn.UserID {
					return // the reader does not need their own receipt
				}
				resp, _ := protocol.NewServerMessage(protocol.TypeRead, protocol.ReadMsg{
					ReaderID: re.ReaderID,
					Count:    re.Count,
				})
				_ = conn.WriteMessage(resp)

			case events.TypeTyping:
				var te events.TypingEvent
				if err := evt.Decode(&te); err != nil {
					return
				}
				if te.FromUserID == conn.UserID {
					return // echo of our own keystrokes
				}
				resp, _ := protocol.NewServerMessage(protocol.TypeTyping, protocol.ServerTypingMsg{
					FromUserID: te.FromUserID,
					IsTyping:   te.IsTyping,
				})
				_ = conn.WriteMessage(resp)
			}
		})

		presenceSub := dispatcher.Subscribe(events.PresenceTopic(partnerID), func(evt events.Event) {
			var pe events.PresenceEvent
			if err := evt.Decode(&pe); err != nil {
				return
			}
			resp, _ := protocol.NewServerMessage(protocol.TypePresence, protocol.PresenceMsg{
				UserID: pe.UserID,
				Online: pe.Online,
			})
			_ = conn.WriteMessage(resp)
		})

		st.subs = append(st.subs, pairSub, presenceSub)
	}

	// -----------------------------------------------------------------------
	// request_pairing — create a pending pairing
	// -----------------------------------------------------------------------
	msgDispatcher.Register(protocol.TypeRequestPairing, func(conn *ws.Connection, msg interface{}) {
		reqMsg, ok := msg.(protocol.RequestPairingMsg)
		if !ok {
			return
		}
		ctx := context.Background()

		if limiter != nil {
			if allowed, _ := limiter.Allow(ctx, conn.UserID, ratelimit.RulePairing); !allowed {
				resp, _ := protocol.NewServerMessage(protocol.TypeRateLimited, protocol.RateLimitedMsg{
					RetryAfter: int(ratelimit.RulePairing.Window.Seconds()),
				})
				_ = conn.WriteMessage(resp)
				return
			}
		}

		// The target must exist and hold the opposite role.
		targetRole, err := resolver.Resolve(ctx, reqMsg.ToUserID)
		if err != nil || targetRole != conn.Role.Counterpart() {
			sendDomainError(conn, apperr.ErrNotFound)
			return
		}

		p, err := manager.Request(ctx, conn.UserID, reqMsg.ToUserID, conn.Role)
		if err != nil {
			log.Printf("request_pairing from user=%s to=%s failed: %v", conn.UserID, reqMsg.ToUserID, err)
			sendDomainError(conn, err)
			return
		}

		metrics.PairingTransitionsTotal.WithLabelValues(string(p.Status)).Inc()
		log.Printf("request_pairing user=%s to=%s pairing=%s", conn.UserID, reqMsg.ToUserID, p.ID)
	})

	// -----------------------------------------------------------------------
	// respond_pairing — accept or reject an incoming request
	// -----------------------------------------------------------------------
	msgDispatcher.Register(protocol.TypeRespondPairing, func(conn *ws.Connection, msg interface{}) {
		respMsg, ok := msg.(protocol.RespondPairingMsg)
		if !ok {
			return
		}
		ctx := context.Background()

		p, err := manager.Respond(ctx, conn.UserID, respMsg.PairingID, pairing.Status(respMsg.Decision))
		if err != nil {
			log.Printf("respond_pairing user=%s pairing=%s decision=%s failed: %v",
				conn.UserID, respMsg.PairingID, respMsg.Decision, err)
			sendDomainError(conn, err)
			return
		}

		metrics.PairingTransitionsTotal.WithLabelValues(string(p.Status)).Inc()
		log.Printf("respond_pairing user=%s pairing=%s -> %s", conn.UserID, p.ID, p.Status)
	})

	// -----------------------------------------------------------------------
	// list_pairings — role-aware filtered listing
	// -----------------------------------------------------------------------
	msgDispatcher.Register(protocol.TypeListPairings, func(conn *ws.Connection, msg interface{}) {
		listMsg, ok := msg.(protocol.ListPairingsMsg)
		if !ok {
			return
		}
		filter := pairing.Filter(listMsg.Filter)
		if !filter.Valid() {
			msgDispatcher.SendError(conn, "invalid_filter", "unknown pairing filter")
			return
		}

		pairings, err := manager.List(context.Background(), conn.UserID, conn.Role, filter)
		if err != nil {
			sendDomainError(conn, err)
			return
		}

		resp, _ := protocol.NewServerMessage(protocol.TypePairingList, protocol.PairingListMsg{
			Filter:   listMsg.Filter,
			Pairings: pairings,
		})
		_ = conn.WriteMessage(resp)
	})

	// -----------------------------------------------------------------------
	// send_message — append to the log and ack with the assigned id
	// -----------------------------------------------------------------------
	msgDispatcher.Register(protocol.TypeSendMessage, func(conn *ws.Connection, msg interface{}) {
		sendMsg, ok := msg.(protocol.SendMessageMsg)
		if !ok {
			return
		}
		ctx := context.Background()

		if limiter != nil {
			if allowed, _ := limiter.Allow(ctx, conn.UserID, ratelimit.RuleMessage); !allowed {
				resp, _ := protocol.NewServerMessage(protocol.TypeRateLimited, protocol.RateLimitedMsg{
					RetryAfter: int(ratelimit.RuleMessage.Window.Seconds()),
				})
				_ = conn.WriteMessage(resp)
				metrics.MessagesTotal.WithLabelValues("rejected").Inc()
				return
			}
		}

		started := time.Now()
		m, err := msgLog.Send(ctx, conn.UserID, sendMsg.ToUserID, sendMsg.Content, sendMsg.AttachmentRef)
		if err != nil {
			log.Printf("send_message user=%s to=%s failed: %v", conn.UserID, sendMsg.ToUserID, err)
			sendDomainError(conn, err)
			metrics.MessagesTotal.WithLabelValues("rejected").Inc()
			return
		}
		metrics.SendLatency.Observe(time.Since(started).Seconds())
		metrics.MessagesTotal.WithLabelValues("sent").Inc()

		// Sending ends the typing state for this pair.
		st := stateFor(conn)
		st.mu.Lock()
		timer := st.timers[events.PairKey(conn.UserID, sendMsg.ToUserID)]
		st.mu.Unlock()
		if timer != nil {
			timer.Stop()
		}

		resp, _ := protocol.NewServerMessage(protocol.TypeMessageSent, protocol.MessageSentMsg{Message: *m})
		_ = conn.WriteMessage(resp)
	})

	// -----------------------------------------------------------------------
	// history — paged backwards by message id
	// -----------------------------------------------------------------------
	msgDispatcher.Register(protocol.TypeHistory, func(conn *ws.Connection, msg interface{}) {
		histMsg, ok := msg.(protocol.HistoryMsg)
		if !ok {
			return
		}

		msgs, err := msgLog.History(context.Background(), conn.UserID, histMsg.OtherUserID, message.HistoryOptions{
			BeforeID: histMsg.BeforeID,
			Limit:    histMsg.Limit,
		})
		if err != nil {
			sendDomainError(conn, err)
			return
		}

		resp, _ := protocol.NewServerMessage(protocol.TypeMessageHistory, protocol.MessageHistoryMsg{
			OtherUserID: histMsg.OtherUserID,
			Messages:    msgs,
		})
		_ = conn.WriteMessage(resp)
	})

	// -----------------------------------------------------------------------
	// mark_read — mark everything from the other user as read
	// -----------------------------------------------------------------------
	msgDispatcher.Register(protocol.TypeMarkRead, func(conn *ws.Connection, msg interface{}) {
		readMsg, ok := msg.(protocol.MarkReadMsg)
		if !ok {
			return
		}

		if err := msgLog.MarkAllRead(context.Background(), conn.UserID, readMsg.OtherUserID); err != nil {
			log.Printf("mark_read user=%s other=%s failed: %v", conn.UserID, readMsg.OtherUserID, err)
			sendDomainError(conn, err)
		}
	})

	// -----------------------------------------------------------------------
	// conversations — one summary per counterpart
	// -----------------------------------------------------------------------
	msgDispatcher.Register(protocol.TypeConversations, func(conn *ws.Connection, msg interface{}) {
		convs, err := msgLog.Conversations(context.Background(), conn.UserID)
		if err != nil {
			sendDomainError(conn, err)
			return
		}

		resp, _ := protocol.NewServerMessage(protocol.TypeConversationList, protocol.ConversationListMsg{
			Conversations: convs,
		})
		_ = conn.WriteMessage(resp)
	})

	// -----------------------------------------------------------------------
	// typing — keystroke / stop signal for a paired counterpart
	// -----------------------------------------------------------------------
	msgDispatcher.Register(protocol.TypeTyping, func(conn *ws.Connection, msg interface{}) {
		typingMsg, ok := msg.(protocol.TypingMsg)
		if !ok {
			return
		}

		paired, err := pairStore.HasAccepted(context.Background(), conn.UserID, typingMsg.OtherUserID)
		if err != nil || !paired {
			return // typing signals are best-effort, drop silently
		}

		pairKey := events.PairKey(conn.UserID, typingMsg.OtherUserID)
		st := stateFor(conn)
		st.mu.Lock()
		timer := st.timers[pairKey]
		if timer == nil {
			timer = typing.NewTimer(typingBus, pairKey, conn.UserID)
			st.timers[pairKey] = timer
		}
		st.mu.Unlock()

		if typingMsg.IsTyping {
			timer.Keystroke()
		} else {
			timer.Stop()
		}
		metrics.TypingSignalsTotal.Inc()
	})

	server = ws.NewServer(config, resolver, msgDispatcher.Dispatch)
	msgDispatcher.SetServer(server)
	server.Handle("/metrics", metrics.Handler())

	if limiter != nil {
		server.SetConnectGate(func(userID string) bool {
			ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			defer cancel()
			allowed, _ := limiter.Allow(ctx, userID, ratelimit.RuleConnect)
			return allowed
		})
	}

	// Connect: join presence and wire this session's event subscriptions.
	server.SetOnConnect(func(conn *ws.Connection) {
		tracker.Join(conn.UserID, conn.ID)

		st := stateFor(conn)

		// Pairing transitions addressed to this user. An accept also wires
		// the pair/presence subscriptions for the new counterpart.
		userSub := dispatcher.Subscribe(events.UserTopic(conn.UserID), func(evt events.Event) {
			var pe events.PairingEvent
			if err := evt.Decode(&pe); err != nil {
				return
			}

			resp, _ := protocol.NewServerMessage(protocol.TypePairingUpdate, protocol.PairingUpdateMsg{
				Pairing: pairing.Pairing{
					ID:          pe.PairingID,
					SubjectID:   pe.SubjectID,
					SponsorID:   pe.SponsorID,
					Status:      pairing.Status(pe.Status),
					RequestedBy: identity.Role(pe.RequestedBy),
					CreatedAt:   pe.CreatedAt,
				},
			})
			_ = conn.WriteMessage(resp)

			if evt.Type == events.TypePairingAccepted {
				partner := pe.SubjectID
				if partner == conn.UserID {
					partner = pe.SponsorID
				}
				ensurePairSubs(conn, partner)
			}
		})
		st.mu.Lock()
		st.subs = append(st.subs, userSub)
		st.mu.Unlock()

		// Existing accepted counterparts get their subscriptions up front.
		partners, err := pairStore.AcceptedPartners(context.Background(), conn.UserID)
		if err != nil {
			log.Printf("connect user=%s: accepted partners lookup failed: %v", conn.UserID, err)
			return
		}
		for _, partner := range partners {
			ensurePairSubs(conn, partner)
		}
	})

	// Heartbeat sweep: refresh presence for live sessions.
	server.SetOnHeartbeat(func(conn *ws.Connection) {
		tracker.Heartbeat(conn.UserID, conn.ID)
	})

	// Disconnect: tear down subscriptions, stop typing timers, leave presence.
	server.SetOnDisconnect(func(conn *ws.Connection) {
		if v, ok := states.LoadAndDelete(conn.ID); ok {
			st := v.(*clientState)
			st.mu.Lock()
			subs := st.subs
			timers := st.timers
			st.subs = nil
			st.timers = nil
			st.mu.Unlock()

			for _, timer := range timers {
				timer.Stop()
			}
			for _, sub := range subs {
				sub.Unsubscribe()
			}
		}

		tracker.Leave(conn.UserID, conn.ID)
	})

	// Graceful shutdown.
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		sig := <-sigCh
		log.Printf("received signal %v, initiating graceful shutdown...", sig)
		if bridge != nil {
			bridge.Close()
		}
		tracker.Stop()
		if err := server.Shutdown(); err != nil {
			log.Printf("shutdown error: %v", err)
		}
		os.Exit(0)
	}()

	if err := server.Start(); err != nil {
		log.Fatalf("server error: %v", err)
	}
}

func storageKind(dsn string) string {
	if dsn != "" {
		return "postgres"
	}
	return "memory"
}
