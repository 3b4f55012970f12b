package queue

import (
	"context"
	"encoding/json"
	"time"

	"attendsheets/internal/model"
	"attendsheets/internal/notify"

	"github.com/google/uuid"
)

// Message types.
const (
	TypeActivity = "activity"
	TypeEmail    = "email"
)

// Activity types carried in TypeActivity messages.
const (
	ActivityEnrolled       = "student.enrolled"
	ActivityReEnrolled     = "student.re_enrolled"
	ActivityUnenrolled     = "student.unenrolled"
	ActivityRemoved        = "student.removed_by_teacher"
	ActivityRecordRepaired = "record.repaired"
	ActivitySessionStarted = "qr.started"
	ActivitySessionStopped = "qr.stopped"
	ActivityScanned        = "qr.scanned"
	ActivityClassUpdated   = "class.updated"
)

// Publisher is the write side of a Queue.
type Publisher interface {
	Publish(ctx context.Context, msg Message) error
}

// NewActivity builds an activity message with a fresh id.
func NewActivity(classID, actorID, typ string, detail map[string]any, at time.Time) (Message, error) {
	return encode(TypeActivity, model.Activity{
		ID:         uuid.NewString(),
		ClassID:    classID,
		ActorID:    actorID,
		Type:       typ,
		Detail:     detail,
		OccurredAt: at,
	})
}

// NewEmail builds a notification message.
func NewEmail(e notify.Email) (Message, error) {
	return encode(TypeEmail, e)
}

func encode(typ string, v any) (Message, error) {
	body, err := json.Marshal(v)
	if err != nil {
		return Message{}, err
	}
	return Message{Type: typ, Body: body}, nil
}

// DecodeActivity reads the body of a TypeActivity message.
func DecodeActivity(msg Message) (model.Activity, error) {
	var a model.Activity
	err := json.Unmarshal(msg.Body, &a)
	return a, err
}

// DecodeEmail reads the body of a TypeEmail message.
func DecodeEmail(msg Message) (notify.Email, error) {
	var e notify.Email
	err := json.Unmarshal(msg.Body, &e)
	return e, err
}
