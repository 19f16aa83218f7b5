// Command relay-smoketest drives a real page through a running cdp-relay
// instance using chromedp as a stand-in for Playwright (which has no Go
// binding), exercising the relay's /cdp/<id> endpoint end-to-end against
// whatever extension is currently attached.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"time"

	"github.com/chromedp/chromedp"
	"github.com/google/uuid"
)

func main() {
	relayAddr := flag.String("relay", "127.0.0.1:19988", "cdp-relay host:port")
	token := flag.String("token", "", "auth token, if the relay requires one")
	targetURL := flag.String("url", "https://example.com", "URL to navigate to")
	timeout := flag.Duration("timeout", 30*time.Second, "overall timeout")
	flag.Parse()

	clientID := uuid.New().String()
	wsURL := fmt.Sprintf("ws://%s/cdp/%s", *relayAddr, clientID)
	if *token != "" {
		wsURL += "?token=" + *token
	}

	allocCtx, cancelAlloc := chromedp.NewRemoteAllocator(context.Background(), wsURL)
	defer cancelAlloc()

	ctx, cancel := chromedp.NewContext(allocCtx)
	defer cancel()

	ctx, cancelTimeout := context.WithTimeout(ctx, *timeout)
	defer cancelTimeout()

	var title string
	if err := chromedp.Run(ctx,
		chromedp.Navigate(*targetURL),
		chromedp.Title(&title),
	); err != nil {
		log.Fatalf("smoketest failed: %v", err)
	}

	fmt.Printf("relay OK: navigated to %s, page title = %q\n", *targetURL, title)
}
