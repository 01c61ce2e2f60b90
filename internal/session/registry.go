package session

import (
	"context"
)

type registryMsg interface{ isRegistryMsg() }

type registerSession struct {
	Session *session
	Reply   chan *session // the session it replaced, if any
}

type getSession struct {
	LobbyID string
	Reply   chan *session
}

type removeSession struct {
	LobbyID string
	Reply   chan *session
}

type shutdownRegistry struct {
	Reply chan []*session
}

func (registerSession) isRegistryMsg()  {}
func (getSession) isRegistryMsg()       {}
func (removeSession) isRegistryMsg()    {}
func (shutdownRegistry) isRegistryMsg() {}

// registry tracks the live session of each lobby. Only its loop touches the map.
type registry struct {
	inbox    chan registryMsg
	sessions map[string]*session
	ctx      context.Context
	cancel   context.CancelFunc
}

func newRegistry(parent context.Context) *registry {
	ctx, cancel := context.WithCancel(parent)
	r := &registry{
		inbox:    make(chan registryMsg, 64),
		sessions: make(map[string]*session),
		ctx:      ctx,
		cancel:   cancel,
	}
	go r.loop()
	return r
}

func (r *registry) loop() {
	for {
		select {
		case <-r.ctx.Done():
			return

		case m := <-r.inbox:
			switch msg := m.(type) {
			case registerSession:
				old := r.sessions[msg.Session.lobbyID]
				r.sessions[msg.Session.lobbyID] = msg.Session
				msg.Reply <- old // may be nil

			case getSession:
				msg.Reply <- r.sessions[msg.LobbyID] // may be nil

			case removeSession:
				s := r.sessions[msg.LobbyID]
				delete(r.sessions, msg.LobbyID)
				msg.Reply <- s

			case shutdownRegistry:
				all := make([]*session, 0, len(r.sessions))
				for _, s := range r.sessions {
					all = append(all, s)
				}
				clear(r.sessions)
				msg.Reply <- all
				r.cancel()
				return
			}
		}
	}
}

// ask sends msg and waits for its reply; a stopped registry answers with the zero value.
func ask[T any](r *registry, msg registryMsg, reply chan T) T {
	var zero T
	select {
	case r.inbox <- msg:
	case <-r.ctx.Done():
		return zero
	}
	select {
	case v := <-reply:
		return v
	case <-r.ctx.Done():
		select {
		case v := <-reply:
			return v
		default:
			return zero
		}
	}
}

func (r *registry) register(s *session) *session {
	reply := make(chan *session, 1)
	return ask(r, registerSession{Session: s, Reply: reply}, reply)
}

func (r *registry) get(lobbyID string) *session {
	reply := make(chan *session, 1)
	return ask(r, getSession{LobbyID: lobbyID, Reply: reply}, reply)
}

func (r *registry) remove(lobbyID string) *session {
	reply := make(chan *session, 1)
	return ask(r, removeSession{LobbyID: lobbyID, Reply: reply}, reply)
}

func (r *registry) shutdown() []*session {
	reply := make(chan []*session, 1)
	return ask(r, shutdownRegistry{Reply: reply}, reply)
}
