package wsbroker

// ThreadEmitter adapts a Broker to internal/agentmsg.Emitter: the Broker
// broadcasts by event type to every connected client (or one tagged
// user), with no notion of a thread, so the thread id is folded into
// the payload and every connected client filters client-side.
type ThreadEmitter struct {
	broker *Broker
}

func NewThreadEmitter(b *Broker) *ThreadEmitter { return &ThreadEmitter{broker: b} }

// Emit implements agentmsg.Emitter.
func (e *ThreadEmitter) Emit(threadID, eventType string, data any) {
	e.broker.Emit(eventType, map[string]any{
		"thread_id": threadID,
		"data":      data,
	})
}
