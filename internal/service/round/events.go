package round

import "sync"

// Event types pushed to round subscribers.
const (
	EventBetRegistered    = "bet_registered"
	EventTicketsEdited    = "tickets_edited"
	EventRandomnessSought = "randomness_requested"
	EventDrawn            = "drawn"
	EventJackpotProcessed = "jackpot_processed"
	EventClaimed          = "claimed"
	EventRefunding        = "refunding"
	EventRecovering       = "recovering"
)

type Event struct {
	Type    string      `json:"type"`
	Seq     int64       `json:"seq"`
	RoundID int64       `json:"roundId,string"`
	Data    interface{} `json:"data,omitempty"`
}

// Hub fans round lifecycle events out to websocket subscribers. Slow
// subscribers drop events rather than block settlement.
type Hub struct {
	mu     sync.Mutex
	seq    int64
	nextID int64
	subs   map[int64]map[int64]chan Event // roundID -> subscriberID -> ch
}

func NewHub() *Hub {
	return &Hub{subs: make(map[int64]map[int64]chan Event)}
}

func (h *Hub) Subscribe(roundID int64) (int64, chan Event) {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.nextID++
	ch := make(chan Event, 16)
	if h.subs[roundID] == nil {
		h.subs[roundID] = make(map[int64]chan Event)
	}
	h.subs[roundID][h.nextID] = ch
	return h.nextID, ch
}

func (h *Hub) Unsubscribe(roundID, subscriberID int64) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if subs, ok := h.subs[roundID]; ok {
		if ch, ok := subs[subscriberID]; ok {
			delete(subs, subscriberID)
			close(ch)
		}
		if len(subs) == 0 {
			delete(h.subs, roundID)
		}
	}
}

func (h *Hub) Publish(roundID int64, eventType string, data interface{}) {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.seq++
	event := Event{
		Type:    eventType,
		Seq:     h.seq,
		RoundID: roundID,
		Data:    data,
	}
	for _, ch := range h.subs[roundID] {
		select {
		case ch <- event:
		default:
		}
	}
}
