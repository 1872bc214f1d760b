package output

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"testing"

	"github.com/IBM/sarama"
	"github.com/IBM/sarama/mocks"

	"github.com/therealutkarshpriyadarshi/marianboard/pkg/types"
)

func TestKafkaSink_FlushSendsBatch(t *testing.T) {
	producer := mocks.NewSyncProducer(t, nil)

	checker := func(msg *sarama.ProducerMessage) error {
		if msg.Topic != "metrics" {
			return fmt.Errorf("unexpected topic %s", msg.Topic)
		}
		key, _ := msg.Key.Encode()
		if string(key) != "run-1" {
			return fmt.Errorf("unexpected key %s", key)
		}
		value, _ := msg.Value.Encode()
		var rec Record
		if err := json.Unmarshal(value, &rec); err != nil {
			return err
		}
		if rec.RunID != "run-1" || rec.Name == "" {
			return fmt.Errorf("unexpected record %+v", rec)
		}
		return nil
	}
	producer.ExpectSendMessageWithMessageCheckerFunctionAndSucceed(checker)
	producer.ExpectSendMessageWithMessageCheckerFunctionAndSucceed(checker)

	sink, err := NewKafkaSinkWithProducer(producer, "metrics", Source{RunID: "run-1", File: "train.log"})
	if err != nil {
		t.Fatalf("failed to create sink: %v", err)
	}

	ctx := context.Background()
	sink.Write(ctx, types.Scalar("train/epoch", 1000, 1553525514, 1))
	sink.Write(ctx, types.Scalar("train/Cost", 1000, 1553525514, 7.95))

	if sink.Pending() != 2 {
		t.Fatalf("expected 2 pending messages, got %d", sink.Pending())
	}

	if err := sink.Flush(ctx); err != nil {
		t.Fatalf("flush failed: %v", err)
	}
	if sink.Pending() != 0 {
		t.Errorf("expected no pending messages after flush, got %d", sink.Pending())
	}

	// Nothing pending, so closing sends nothing more
	if err := sink.Close(); err != nil {
		t.Fatalf("close failed: %v", err)
	}
}

func TestKafkaSink_FailedFlushKeepsMessages(t *testing.T) {
	producer := mocks.NewSyncProducer(t, nil)
	producer.ExpectSendMessageAndFail(sarama.ErrOutOfBrokers)
	producer.ExpectSendMessageAndSucceed()

	sink, err := NewKafkaSinkWithProducer(producer, "metrics", Source{RunID: "run-1"})
	if err != nil {
		t.Fatalf("failed to create sink: %v", err)
	}

	ctx := context.Background()
	sink.Write(ctx, types.Text("config/model", "transformer"))

	if err := sink.Flush(ctx); err == nil {
		t.Fatal("expected flush error")
	}
	if sink.Pending() != 1 {
		t.Fatalf("expected message kept after failure, got %d pending", sink.Pending())
	}

	if err := sink.Flush(ctx); err != nil {
		t.Fatalf("second flush failed: %v", err)
	}
	if err := sink.Close(); err != nil {
		t.Fatalf("close failed: %v", err)
	}
}

func TestNewKafkaSink_Validation(t *testing.T) {
	if _, err := NewKafkaSink(KafkaConfig{Topic: "metrics"}, Source{}); err == nil {
		t.Error("expected error without brokers")
	}

	producer := mocks.NewSyncProducer(t, nil)
	defer producer.Close()
	if _, err := NewKafkaSinkWithProducer(producer, "", Source{}); err == nil {
		t.Error("expected error without topic")
	}
}

func TestKafkaConfig_SaramaConfig(t *testing.T) {
	cfg := DefaultKafkaConfig()
	cfg.CompressionCodec = "snappy"
	cfg.SASLEnabled = true
	cfg.SASLMechanism = "SCRAM-SHA-512"

	sc, err := cfg.SaramaConfig()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if sc.Producer.Compression != sarama.CompressionSnappy {
		t.Errorf("expected snappy compression, got %v", sc.Producer.Compression)
	}
	if sc.Net.SASL.Mechanism != sarama.SASLTypeSCRAMSHA512 {
		t.Errorf("expected SCRAM-SHA-512, got %v", sc.Net.SASL.Mechanism)
	}
	if !sc.Producer.Return.Successes {
		t.Error("sync producer requires Return.Successes")
	}

	cfg.Version = "not-a-version"
	if _, err := cfg.SaramaConfig(); err == nil {
		t.Error("expected error for invalid version")
	}
}

// partialProducer rejects the messages whose value contains reject
type partialProducer struct {
	sarama.SyncProducer
	reject string
	sent   []string
}

func (p *partialProducer) SendMessages(msgs []*sarama.ProducerMessage) error {
	var perrs sarama.ProducerErrors
	for _, msg := range msgs {
		value, _ := msg.Value.Encode()
		if strings.Contains(string(value), p.reject) {
			perrs = append(perrs, &sarama.ProducerError{Msg: msg, Err: sarama.ErrNotLeaderForPartition})
			continue
		}
		p.sent = append(p.sent, string(value))
	}
	if len(perrs) > 0 {
		return perrs
	}
	return nil
}

func (p *partialProducer) Close() error { return nil }

func TestKafkaSink_PartialFailureKeepsOnlyFailed(t *testing.T) {
	producer := &partialProducer{reject: "train/Cost"}
	sink, err := NewKafkaSinkWithProducer(producer, "metrics", Source{RunID: "run-1"})
	if err != nil {
		t.Fatalf("failed to create sink: %v", err)
	}

	ctx := context.Background()
	sink.Write(ctx, types.Scalar("train/epoch", 1000, 1553525514, 1))
	sink.Write(ctx, types.Scalar("train/Cost", 1000, 1553525514, 7.95))
	sink.Write(ctx, types.Scalar("train/learn_rate", 1000, 1553525514, 1.25e-5))

	err = sink.Flush(ctx)
	var perrs sarama.ProducerErrors
	if !errors.As(err, &perrs) || len(perrs) != 1 {
		t.Fatalf("expected one producer error, got %v", err)
	}
	if sink.Pending() != 1 {
		t.Fatalf("expected only the rejected message pending, got %d", sink.Pending())
	}
	if len(producer.sent) != 2 {
		t.Fatalf("expected 2 delivered messages, got %d", len(producer.sent))
	}

	producer.reject = "never-matches"
	if err := sink.Flush(ctx); err != nil {
		t.Fatalf("second flush failed: %v", err)
	}
	if len(producer.sent) != 3 || !strings.Contains(producer.sent[2], "train/Cost") {
		t.Errorf("expected the rejected message resent once, got %v", producer.sent)
	}
}
