package proxy

import (
	"encoding/json"
	"slices"
)

// LedgerDepth is the number of batches remembered per namespace.
const LedgerDepth = 3

// Namespace selects one history in the Ledger. The zero value is the
// broadcast channel; User returns the namespace of a single requester.
type Namespace struct {
	user string
}

// Channel is the namespace of channel broadcasts.
var Channel = Namespace{}

// User returns the namespace of the requester with the given id.
func User(id string) Namespace {
	return Namespace{user: id}
}

// IsChannel reports whether ns is the broadcast namespace.
func (ns Namespace) IsChannel() bool {
	return ns.user == ""
}

func (ns Namespace) String() string {
	if ns.IsChannel() {
		return "channel"
	}
	return "user:" + ns.user
}

// Ledger remembers the last LedgerDepth batches handed out per namespace.
type Ledger struct {
	Channel []Batch
	Users   map[string][]Batch
}

// NewLedger returns an empty ledger.
func NewLedger() *Ledger {
	return &Ledger{Users: make(map[string][]Batch)}
}

// Recent returns the last LedgerDepth batches recorded for ns, oldest first.
func (l *Ledger) Recent(ns Namespace) []Batch {
	var batches []Batch
	if ns.IsChannel() {
		batches = l.Channel
	} else {
		batches = l.Users[ns.user]
	}
	if len(batches) > LedgerDepth {
		batches = batches[len(batches)-LedgerDepth:]
	}
	return batches
}

// Record appends b to the history of ns, evicting the oldest batches beyond
// LedgerDepth.
func (l *Ledger) Record(ns Namespace, b Batch) {
	batches := append(slices.Clone(l.Recent(ns)), slices.Clone(b))
	if len(batches) > LedgerDepth {
		batches = batches[len(batches)-LedgerDepth:]
	}

	if ns.IsChannel() {
		l.Channel = batches
		return
	}
	if l.Users == nil {
		l.Users = make(map[string][]Batch)
	}
	l.Users[ns.user] = batches
}

// RecentlySent reports whether p's endpoint appears in any of batches.
// Secrets are ignored: a server that rotated its secret is still the server
// the audience just saw.
func RecentlySent(batches []Batch, p Proxy) bool {
	for _, b := range batches {
		for _, sent := range b {
			if sent.Host == p.Host && sent.Port == p.Port {
				return true
			}
		}
	}
	return false
}

type wireLedger struct {
	Channel []Batch            `json:"channel"`
	Users   map[string][]Batch `json:"users"`
}

func (l *Ledger) MarshalJSON() ([]byte, error) {
	w := wireLedger{Channel: l.Channel, Users: l.Users}
	if w.Channel == nil {
		w.Channel = []Batch{}
	}
	if w.Users == nil {
		w.Users = map[string][]Batch{}
	}
	return json.Marshal(w)
}

func (l *Ledger) UnmarshalJSON(b []byte) error {
	var w wireLedger
	if err := json.Unmarshal(b, &w); err != nil {
		return err
	}
	if w.Users == nil {
		w.Users = make(map[string][]Batch)
	}
	l.Channel, l.Users = w.Channel, w.Users
	return nil
}
