package types

import "fmt"

// Template is the normalized feature stored for one enrolled identity.
type Template []float64

// Match is what a worker reports for a chunk. Index points into the request's
// candidate list; Confidence is zero when the matcher does not score.
type Match struct {
	Index      int     `msgpack:"index" json:"index"`
	Confidence float64 `msgpack:"confidence,omitempty" json:"confidence,omitempty"`
}

// Result is the finalized outcome of one identification request.
type Result struct {
	Ref        string  `json:"ref,omitempty"`
	RequestID  string  `json:"id"`
	Matched    *string `json:"matched"`
	Confidence float64 `json:"confidence,omitempty"`
	Elapsed    int64   `json:"elapsed"` // milliseconds
}

// Kind tags the variant carried by a Message.
type Kind uint8

const (
	KindDo Kind = iota + 1
	KindStop
	KindDone
	KindUpdate
)

func (k Kind) String() string {
	switch k {
	case KindDo:
		return "do"
	case KindStop:
		return "stop"
	case KindDone:
		return "done"
	case KindUpdate:
		return "update"
	}
	return fmt.Sprintf("kind(%d)", uint8(k))
}

// Do asks a worker to compare Probe against Templates[Start..End] (inclusive).
type Do struct {
	RequestID string     `msgpack:"request"`
	Chunk     int        `msgpack:"chunk"`
	Templates []Template `msgpack:"templates"`
	Probe     Template   `msgpack:"probe"`
	Start     int        `msgpack:"start"`
	End       int        `msgpack:"end"`
	Issued    int64      `msgpack:"issued"` // unix ms
}

// Stop is advisory cancellation for the chunk a worker is running.
type Stop struct {
	RequestID string `msgpack:"request"`
	Chunk     int    `msgpack:"chunk"`
}

// Done is terminal for a chunk. Matched is nil when nothing matched.
type Done struct {
	RequestID string `msgpack:"request"`
	Chunk     int    `msgpack:"chunk"`
	Worker    int    `msgpack:"worker"`
	Matched   *Match `msgpack:"matched"`
}

// Update reports a template correction. A nil Data means the template at Index
// is unusable and must be removed from the store.
type Update struct {
	RequestID string   `msgpack:"request"`
	Index     int      `msgpack:"index"`
	Data      Template `msgpack:"data"`
}

// Message is the envelope exchanged between orchestrator and workers. Exactly
// one of the variant fields is set, selected by Kind.
type Message struct {
	Kind   Kind    `msgpack:"kind"`
	Do     *Do     `msgpack:"do,omitempty"`
	Stop   *Stop   `msgpack:"stop,omitempty"`
	Done   *Done   `msgpack:"done,omitempty"`
	Update *Update `msgpack:"update,omitempty"`
}

// Validate checks that the variant matching Kind is present.
func (m Message) Validate() error {
	ok := false
	switch m.Kind {
	case KindDo:
		ok = m.Do != nil
	case KindStop:
		ok = m.Stop != nil
	case KindDone:
		ok = m.Done != nil
	case KindUpdate:
		ok = m.Update != nil
	default:
		return fmt.Errorf("unknown message kind %d", uint8(m.Kind))
	}
	if !ok {
		return fmt.Errorf("%s message without payload", m.Kind)
	}
	return nil
}

func DoMessage(d Do) Message         { return Message{Kind: KindDo, Do: &d} }
func StopMessage(s Stop) Message     { return Message{Kind: KindStop, Stop: &s} }
func DoneMessage(d Done) Message     { return Message{Kind: KindDone, Done: &d} }
func UpdateMessage(u Update) Message { return Message{Kind: KindUpdate, Update: &u} }
