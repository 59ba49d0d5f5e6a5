// seed-session writes a session token into Redis for local testing against
// the redis or mysql backends.
//
// Usage:
//	REDIS_ADDRESS=... go run ./cmd/seed-session -restaurant-id r1 -username cashier
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/CaoNhatLinh/squareup-sub001/config"
	"github.com/CaoNhatLinh/squareup-sub001/middlewares"
	"github.com/google/uuid"
)

func main() {
	settings := config.LoadSettings()
	restaurantID := flag.String("restaurant-id", "", "Restaurant the session is scoped to (required).")
	username := flag.String("username", "dev", "Username stored with the session.")
	token := flag.String("token", "", "Token to write. A random one is generated when empty.")
	ttl := flag.Duration("ttl", 24*time.Hour, "Session lifetime.")
	flag.Parse()

	if strings.TrimSpace(*restaurantID) == "" {
		fmt.Fprintln(os.Stderr, "-restaurant-id is required")
		os.Exit(2)
	}
	if *token == "" {
		*token = uuid.NewString()
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()
	rdb := config.ConnectRedisWithRetry(ctx, settings.RedisAddress)
	if rdb == nil {
		fmt.Fprintln(os.Stderr, "redis not reachable")
		os.Exit(1)
	}
	defer rdb.Close()

	session := middlewares.Session{Username: *username, RestaurantId: *restaurantID}
	if err := config.SetRedisObject(ctx, "Token:"+*token, session, *ttl); err != nil {
		fmt.Fprintf(os.Stderr, "failed to store session: %v\n", err)
		os.Exit(1)
	}
	fmt.Println(*token)
}
