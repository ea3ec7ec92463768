package msg

// Bridge event kinds
const (
	EventSync        = "sync"
	EventTick        = "tick"
	EventSubmit      = "submit"
	EventClose       = "close"
	EventOpenNotify  = "open_notify"
	EventCloseNotify = "close_notify"
	EventSubscribe   = "subscribe"
	EventLinkLost    = "link_lost"
	EventReconnect   = "reconnect"
)

// BridgeEventMsg is one journal entry: an advisor exchange or a broker action
type BridgeEventMsg struct {
	EventID      string  `json:"event_id"`
	Kind         string  `json:"kind"`
	SessionID    string  `json:"sessid"`
	Instrument   string  `json:"instrument,omitempty"`
	Label        string  `json:"label,omitempty"`
	Direction    string  `json:"direction,omitempty"`
	Price        float64 `json:"price,omitempty"`
	Qty          int64   `json:"qty,omitempty"` // wire units
	OK           bool    `json:"ok"`
	Error        string  `json:"error,omitempty"`
	TsUnixMillis int64   `json:"ts_unix_millis"`
}

// Key returns the partitioning key: the label, or the instrument when there is none
func (m BridgeEventMsg) Key() string {
	if m.Label != "" {
		return m.Label
	}
	return m.Instrument
}
