/*
Copyright © 2026 NAME HERE <EMAIL ADDRESS>
*/
package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/shelfscore/apiserver/config"
	"github.com/shelfscore/apiserver/internal/mq"
	"github.com/spf13/cobra"
)

// eventsCmd tails the review activity topic and prints each event.
// Useful for checking that a broker backend is wired correctly.
var eventsCmd = &cobra.Command{
	Use:   "events",
	Short: "Tail review activity events from the configured broker",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg := config.LoadConfig()

		broker, err := openBroker(cmd.Context(), cfg.MQ)
		if err != nil {
			return err
		}
		defer broker.Close()

		err = broker.Subscribe(cmd.Context(), cfg.MQ.EventsTopic, func(ctx context.Context, msg mq.Message) error {
			fmt.Fprintf(os.Stdout, "%s %s\n", msg.ID, msg.Data)
			return nil
		})
		if errors.Is(err, context.Canceled) {
			return nil
		}
		return err
	},
}

func init() {
	rootCmd.AddCommand(eventsCmd)
}

func openBroker(ctx context.Context, cfg config.MQConfig) (*mq.MQ, error) {
	switch cfg.Backend {
	case "rabbitmq":
		client, err := mq.NewRabbitMQClient(cfg.RabbitMQ)
		if err != nil {
			return nil, err
		}
		return mq.New(client), nil
	case "pubsub":
		client, err := mq.NewPubSubClient(ctx, cfg.PubSub)
		if err != nil {
			return nil, err
		}
		return mq.New(client), nil
	default:
		return nil, fmt.Errorf("MQ_BACKEND must be rabbitmq or pubsub, got %q", cfg.Backend)
	}
}
