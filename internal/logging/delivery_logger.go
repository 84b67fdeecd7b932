package logging

import (
	"sync"
	"time"

	"github.com/gologme/log"
)

// Operation tracks a single outbound send from start to finish.
type Operation struct {
	OpID       string
	From       string
	Recipients int
	StartTime  time.Time
	Milestones []Milestone
	mu         sync.Mutex
}

// Milestone records the outcome for one recipient.
type Milestone struct {
	Timestamp time.Time
	Recipient string
	Success   bool
	Message   string
}

// DeliveryLogger logs the lifecycle of outbound deliveries.
type DeliveryLogger struct {
	log        *log.Logger
	operations sync.Map // map[string]*Operation
}

func NewDeliveryLogger(logger *log.Logger) *DeliveryLogger {
	return &DeliveryLogger{log: logger}
}

func (l *DeliveryLogger) StartOperation(opID, from string, recipients int) {
	op := &Operation{
		OpID:       opID,
		From:       from,
		Recipients: recipients,
		StartTime:  time.Now(),
	}
	l.operations.Store(opID, op)
	l.log.Infof("[%s] START from=%s recipients=%d", opID, from, recipients)
}

func (l *DeliveryLogger) LogRecipient(opID, recipient string, err error) {
	value, ok := l.operations.Load(opID)
	if !ok {
		l.log.Warnf("[%s] operation not found for recipient %s", opID, recipient)
		return
	}
	op := value.(*Operation)
	op.mu.Lock()
	defer op.mu.Unlock()

	m := Milestone{
		Timestamp: time.Now(),
		Recipient: recipient,
		Success:   err == nil,
	}
	if err != nil {
		m.Message = err.Error()
	}
	op.Milestones = append(op.Milestones, m)

	if err != nil {
		l.log.Warnf("[%s] %d/%d %s FAILED after %v: %v", opID, len(op.Milestones), op.Recipients,
			recipient, time.Since(op.StartTime).Round(time.Millisecond), err)
		return
	}
	l.log.Infof("[%s] %d/%d %s sent after %v", opID, len(op.Milestones), op.Recipients,
		recipient, time.Since(op.StartTime).Round(time.Millisecond))
}

// EndOperation logs the summary and forgets the operation.
func (l *DeliveryLogger) EndOperation(opID string) {
	value, ok := l.operations.LoadAndDelete(opID)
	if !ok {
		l.log.Warnf("[%s] operation not found for end", opID)
		return
	}
	op := value.(*Operation)
	op.mu.Lock()
	defer op.mu.Unlock()

	var failed int
	for _, m := range op.Milestones {
		if !m.Success {
			failed++
		}
	}
	elapsed := time.Since(op.StartTime).Round(time.Millisecond)
	if failed > 0 {
		l.log.Warnf("[%s] DONE %d/%d failed in %v", opID, failed, op.Recipients, elapsed)
		return
	}
	l.log.Infof("[%s] DONE all %d delivered in %v", opID, op.Recipients, elapsed)
}

func (l *DeliveryLogger) ActiveOperations() int {
	count := 0
	l.operations.Range(func(key, value interface{}) bool {
		count++
		return true
	})
	return count
}
