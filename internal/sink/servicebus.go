package sink

import (
	"context"
	"fmt"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore/to"
	"github.com/Azure/azure-sdk-for-go/sdk/messaging/azservicebus"
	"github.com/google/uuid"
	jsoniter "github.com/json-iterator/go"

	"github.com/katasec/dstream-ingester-changefeed/pkg/cdc"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// Envelope is the message body published for each change
type Envelope struct {
	Mode         cdc.Mode          `json:"mode"`
	Kind         cdc.ChangeKind    `json:"kind"`
	Operation    cdc.OperationType `json:"operation,omitempty"`
	ID           string            `json:"id"`
	PartitionKey string            `json:"partitionKey"`
	Current      *cdc.Record       `json:"current,omitempty"`
	Previous     *cdc.Record       `json:"previous,omitempty"`
	TTLExpired   bool              `json:"ttlExpired,omitempty"`
}

// NewEnvelope flattens an interpreted change for publishing
func NewEnvelope(mode cdc.Mode, change cdc.InterpretedChange) Envelope {
	env := Envelope{Mode: mode, Kind: change.Kind(), ID: change.Key()}
	switch v := change.(type) {
	case cdc.Upsert:
		cur := v.Current
		env.Operation = v.Operation
		env.PartitionKey = cur.PartitionKey()
		env.Current = &cur
		env.Previous = v.Previous
	case cdc.DeleteExplicit:
		prev := v.Previous
		env.Operation = cdc.OperationDelete
		env.PartitionKey = prev.PartitionKey()
		env.Previous = &prev
	case cdc.DeleteByExpiry:
		prev := v.Previous
		env.Operation = cdc.OperationDelete
		env.PartitionKey = prev.PartitionKey()
		env.Previous = &prev
		env.TTLExpired = true
	}
	return env
}

// messageSender is the part of *azservicebus.Sender the sink uses
type messageSender interface {
	SendMessage(ctx context.Context, message *azservicebus.Message, options *azservicebus.SendMessageOptions) error
	Close(ctx context.Context) error
}

// ServiceBus publishes each change as a JSON message to a queue or topic
type ServiceBus struct {
	client *azservicebus.Client
	sender messageSender
	queue  string
}

// NewServiceBus connects to Service Bus and opens a sender for queue
func NewServiceBus(connectionString, queue string) (*ServiceBus, error) {
	client, err := azservicebus.NewClientFromConnectionString(connectionString, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create Service Bus client: %w", err)
	}
	sender, err := client.NewSender(queue, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create sender for %s: %w", queue, err)
	}
	return &ServiceBus{client: client, sender: sender, queue: queue}, nil
}

func (s *ServiceBus) OnChange(ctx context.Context, mode cdc.Mode, change cdc.InterpretedChange) error {
	env := NewEnvelope(mode, change)
	body, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("marshal change %s: %w", env.ID, err)
	}

	msg := &azservicebus.Message{
		Body:        body,
		MessageID:   to.Ptr(env.ID + "-" + uuid.NewString()),
		ContentType: to.Ptr("application/json"),
		Subject:     to.Ptr(string(env.Kind)),
		ApplicationProperties: map[string]any{
			"mode":      string(mode),
			"kind":      string(env.Kind),
			"operation": string(env.Operation),
		},
	}
	if err := s.sender.SendMessage(ctx, msg, nil); err != nil {
		return fmt.Errorf("send change %s to %s: %w", env.ID, s.queue, err)
	}
	return nil
}

// Close closes the sender and the client
func (s *ServiceBus) Close(ctx context.Context) error {
	if err := s.sender.Close(ctx); err != nil {
		return err
	}
	if s.client != nil {
		return s.client.Close(ctx)
	}
	return nil
}
