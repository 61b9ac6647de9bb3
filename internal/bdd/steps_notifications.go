package bdd

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/cucumber/godog"
	notifyredis "github.com/plannr/messaging-service/internal/plugin/notify/redis"
	"github.com/plannr/messaging-service/internal/testutil/cucumber"
	goredis "github.com/redis/go-redis/v9"
)

const redisURLKey = "redisURL"

func init() {
	cucumber.StepModules = append(cucumber.StepModules, func(ctx *godog.ScenarioContext, s *cucumber.TestScenario) {
		n := &notificationSteps{s: s, subs: map[string]*goredis.PubSub{}}
		ctx.Step(`^"([^"]*)" listens for notifications$`, n.listens)
		ctx.Step(`^"([^"]*)" should receive a "([^"]*)" notification within "([^"]*)" seconds$`, n.shouldReceive)
		ctx.After(func(ctx context.Context, _ *godog.Scenario, err error) (context.Context, error) {
			n.close()
			return ctx, err
		})
	})
}

type notificationSteps struct {
	s      *cucumber.TestScenario
	client *goredis.Client
	subs   map[string]*goredis.PubSub
}

func (n *notificationSteps) listens(user string) error {
	if n.client == nil {
		url, _ := n.s.Suite.Extra[redisURLKey].(string)
		if url == "" {
			return fmt.Errorf("notifications need a redis server")
		}
		opts, err := goredis.ParseURL(url)
		if err != nil {
			return err
		}
		n.client = goredis.NewClient(opts)
	}
	sub := n.client.Subscribe(context.Background(), notifyredis.UserChannel(n.s.UserID(user)))
	if _, err := sub.Receive(context.Background()); err != nil {
		return fmt.Errorf("subscribe for %s: %w", user, err)
	}
	n.subs[user] = sub
	return nil
}

func (n *notificationSteps) shouldReceive(user, eventType string, timeout float64) error {
	sub := n.subs[user]
	if sub == nil {
		return fmt.Errorf("%s is not listening for notifications", user)
	}
	ctx, cancel := context.WithTimeout(context.Background(), time.Duration(timeout*float64(time.Second)))
	defer cancel()
	for {
		msg, err := sub.ReceiveMessage(ctx)
		if err != nil {
			return fmt.Errorf("no %s notification for %s: %w", eventType, user, err)
		}
		var env notifyredis.Envelope
		if err := json.Unmarshal([]byte(msg.Payload), &env); err != nil {
			return err
		}
		if env.Type == eventType {
			return nil
		}
	}
}

func (n *notificationSteps) close() {
	for _, sub := range n.subs {
		_ = sub.Close()
	}
	if n.client != nil {
		_ = n.client.Close()
	}
}
