//go:build ignore

package main

import (
	"bytes"
	"fmt"
	"io"
	"net/http"
	"os"
	"time"

	"github.com/erauner12/stripesync/internal/stripeapi"
)

// Send a correctly signed webhook event to a running engine.
//
// Usage:
//   1. Set BACKEND_URL (e.g., http://localhost:8080)
//   2. Set WEBHOOK_SECRET to the endpoint's signing secret (whsec_...)
//   3. Optionally set EVENT_PAYLOAD to a full event JSON body
//   4. Run: go run test/manual/send_test_webhook.go

func main() {
	backendURL := os.Getenv("BACKEND_URL")
	if backendURL == "" {
		backendURL = "http://localhost:8080"
	}

	secret := os.Getenv("WEBHOOK_SECRET")
	if secret == "" {
		fmt.Println("ERROR: WEBHOOK_SECRET environment variable is required")
		fmt.Println()
		fmt.Println("Use the secret of the managed endpoint the engine registered")
		fmt.Println("(logged at startup), or the one from MERCHANT_CONFIG_JSON.")
		os.Exit(1)
	}

	payload := os.Getenv("EVENT_PAYLOAD")
	if payload == "" {
		now := time.Now().Unix()
		payload = fmt.Sprintf(`{
  "id": "evt_manual_%d",
  "object": "event",
  "type": "customer.updated",
  "created": %d,
  "data": {
    "object": {
      "id": "cus_manual_test",
      "object": "customer",
      "email": "manual-test@example.com",
      "created": %d
    }
  }
}`, now, now, now)
	}

	body := []byte(payload)
	sig := stripeapi.SignPayload(body, secret, time.Now())

	fmt.Printf("POST %s/webhooks\n", backendURL)
	fmt.Printf("Stripe-Signature: %s\n", sig)
	fmt.Println()

	req, err := http.NewRequest("POST", backendURL+"/webhooks", bytes.NewReader(body))
	if err != nil {
		fmt.Printf("ERROR building request: %v\n", err)
		os.Exit(1)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Stripe-Signature", sig)

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		fmt.Printf("ERROR sending request: %v\n", err)
		os.Exit(1)
	}
	defer resp.Body.Close()

	respBody, _ := io.ReadAll(resp.Body)
	fmt.Printf("Status: %s\n", resp.Status)
	fmt.Printf("Body:   %s\n", respBody)

	if resp.StatusCode == http.StatusOK {
		fmt.Println()
		fmt.Println("OK - check the customers table for cus_manual_test")
	}
}
