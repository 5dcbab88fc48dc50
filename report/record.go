package report

import (
	"fmt"
	"time"

	jsoniter "github.com/json-iterator/go"

	"github.com/toolink/msgbus/dispatch"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// Record is the serialized form of a publication error. Payload messages are
// kept as "type: value" strings since message types are not serializable in
// general.
type Record struct {
	Message        string    `json:"message"`
	Cause          string    `json:"cause,omitempty"`
	Payload        []string  `json:"payload"`
	SubscriptionID string    `json:"subscription_id,omitempty"`
	Handler        string    `json:"handler,omitempty"`
	Time           time.Time `json:"time"`
}

// NewRecord converts err into a Record.
func NewRecord(err *dispatch.PublicationError) Record {
	r := Record{
		Message:        err.Message,
		Payload:        describePayload(err.Payload),
		SubscriptionID: err.SubscriptionID,
		Handler:        err.Handler,
		Time:           err.Time,
	}
	if err.Cause != nil {
		r.Cause = err.Cause.Error()
	}
	return r
}

// Encode serializes the record to JSON.
func (r Record) Encode() ([]byte, error) {
	return json.Marshal(r)
}

// DecodeRecord parses a record produced by Encode.
func DecodeRecord(data []byte) (Record, error) {
	var r Record
	err := json.Unmarshal(data, &r)
	return r, err
}

func describePayload(payload []any) []string {
	out := make([]string, len(payload))
	for i, m := range payload {
		out[i] = fmt.Sprintf("%T: %+v", m, m)
	}
	return out
}
