package store

import "qms/antrian-service/internal/models"

type Action string

const (
	ActionCall         Action = "call"
	ActionRecall       Action = "recall"
	ActionStartServing Action = "start_serving"
	ActionComplete     Action = "complete"
	ActionCancel       Action = "cancel"
)

type transition struct {
	from []models.Status
	to   models.Status
}

var transitionMap = map[Action]transition{
	ActionCall:         {from: []models.Status{models.StatusWaiting}, to: models.StatusCalled},
	ActionRecall:       {from: []models.Status{models.StatusCalled}, to: models.StatusCalled},
	ActionStartServing: {from: []models.Status{models.StatusCalled}, to: models.StatusServing},
	ActionComplete:     {from: []models.Status{models.StatusServing}, to: models.StatusCompleted},
	ActionCancel:       {from: []models.Status{models.StatusCalled, models.StatusServing}, to: models.StatusCancelled},
}

func ValidTransition(action Action, fromStatus models.Status) bool {
	rule, ok := transitionMap[action]
	if !ok {
		return false
	}
	for _, status := range rule.from {
		if status == fromStatus {
			return true
		}
	}
	return false
}

func TargetStatus(action Action) (models.Status, bool) {
	rule, ok := transitionMap[action]
	return rule.to, ok
}

const (
	EventCreated   = "ticket.created"
	EventCalled    = "ticket.called"
	EventRecalled  = "ticket.recalled"
	EventServing   = "ticket.serving"
	EventCompleted = "ticket.completed"
	EventCancelled = "ticket.cancelled"
)

func EventType(action Action) string {
	switch action {
	case ActionCall:
		return EventCalled
	case ActionRecall:
		return EventRecalled
	case ActionStartServing:
		return EventServing
	case ActionComplete:
		return EventCompleted
	case ActionCancel:
		return EventCancelled
	}
	return ""
}
