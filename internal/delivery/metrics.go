package delivery

import "github.com/prometheus/client_golang/prometheus"

// Outcome label values for tasksTotal.
const (
	outcomeSent             = "sent"
	outcomeSendFailed       = "send_failed"
	outcomeInvalidRecipient = "invalid_recipient"
)

var (
	// tasksTotal counts processed tasks by what happened to the delivery.
	tasksTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "delivery_tasks_total",
			Help: "Delivery tasks processed, by outcome.",
		},
		[]string{"outcome"},
	)

	// pollsTotal counts queue polls by result (task|empty|error).
	pollsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "delivery_polls_total",
			Help: "Delivery queue polls, by result.",
		},
		[]string{"result"},
	)
)

func init() {
	prometheus.MustRegister(tasksTotal, pollsTotal)
}
