package handlers

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"ytjobs/internal/models"
)

const peerWriteTimeout = 10 * time.Second

// peer is one realtime connection. gorilla connections allow a single
// concurrent writer.
type peer struct {
	conn *websocket.Conn

	mu     sync.Mutex
	closed bool
}

func (p *peer) send(update models.JobUpdate) error {
	data, err := json.Marshal(update)
	if err != nil {
		return err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return websocket.ErrCloseSent
	}
	_ = p.conn.SetWriteDeadline(time.Now().Add(peerWriteTimeout))
	return p.conn.WriteJSON(models.Envelope{Event: models.EventJobUpdate, Data: data})
}

func (p *peer) close() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return
	}
	p.closed = true
	msg := websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutdown")
	_ = p.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
	_ = p.conn.Close()
}

func (a *App) socket(w http.ResponseWriter, r *http.Request) {
	conn, err := a.upgrader.Upgrade(w, r, nil)
	if err != nil {
		a.logger.Warn("websocket upgrade failed", "error", err)
		return
	}

	p := &peer{conn: conn}
	a.mu.Lock()
	a.peers[p] = struct{}{}
	a.mu.Unlock()
	a.logger.Debug("realtime peer connected", "remote", r.RemoteAddr)

	defer a.dropPeer(p)

	for {
		var env models.Envelope
		if err := conn.ReadJSON(&env); err != nil {
			return
		}

		var id string
		if err := json.Unmarshal(env.Data, &id); err != nil || id == "" {
			a.logger.Warn("ignoring realtime message without job id", "event", env.Event)
			continue
		}

		switch env.Event {
		case models.EventSubscribe:
			a.subscribe(id, p)
		case models.EventUnsubscribe:
			a.unsubscribe(id, p)
		default:
			a.logger.Debug("ignoring unknown realtime event", "event", env.Event)
		}
	}
}

// subscribe registers p for id and sends the job's current state right away,
// so a subscriber that arrives late still sees where the job is. Unknown ids
// get a single error update instead.
func (a *App) subscribe(id string, p *peer) {
	a.sendMu.Lock()
	defer a.sendMu.Unlock()

	a.mu.Lock()
	if a.subs[id] == nil {
		a.subs[id] = make(map[*peer]struct{})
	}
	a.subs[id][p] = struct{}{}
	a.mu.Unlock()

	job, ok := a.lookup(id)
	if !ok {
		a.unsubscribe(id, p)
		if err := p.send(models.JobUpdate{ID: id, Status: models.StatusError, Error: "job not found"}); err != nil {
			a.dropPeer(p)
		}
		return
	}
	update := jobUpdate(job)
	update.ID = id
	if err := p.send(update); err != nil {
		a.dropPeer(p)
	}
}

func (a *App) unsubscribe(id string, p *peer) {
	a.mu.Lock()
	defer a.mu.Unlock()
	delete(a.subs[id], p)
	if len(a.subs[id]) == 0 {
		delete(a.subs, id)
	}
}

func (a *App) dropPeer(p *peer) {
	a.mu.Lock()
	delete(a.peers, p)
	for id, set := range a.subs {
		delete(set, p)
		if len(set) == 0 {
			delete(a.subs, id)
		}
	}
	a.mu.Unlock()
	p.close()
}

// broadcast sends the job's state to everyone subscribed under its job id or
// its file id, each with the id it subscribed with. a.sendMu must be held.
func (a *App) broadcast(job *models.ConversionJob) {
	type target struct {
		id string
		p  *peer
	}

	a.mu.RLock()
	var targets []target
	for _, id := range []string{job.ID, job.FileID} {
		for p := range a.subs[id] {
			targets = append(targets, target{id: id, p: p})
		}
	}
	a.mu.RUnlock()

	update := jobUpdate(job)
	for _, t := range targets {
		update.ID = t.id
		if err := t.p.send(update); err != nil {
			a.dropPeer(t.p)
		}
	}
}
