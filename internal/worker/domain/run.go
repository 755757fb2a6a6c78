package domain

import amqp "github.com/rabbitmq/amqp091-go"

// Run is an aggregation run claimed by a worker
type Run struct {
	RunID    string
	Input    string // JSON document
	Status   string
	WorkerID string
}

// RunMessage is a run request taken off the queue
type RunMessage struct {
	RunID    string
	Delivery amqp.Delivery
}
