// Example usage of the vega market relay client against an in-process sandbox relay
package main

import (
	"context"
	"fmt"
	"log"
	"math/big"
	"net/http/httptest"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/gorilla/websocket"

	vegamarket "github.com/kaifufi/vega-market-go"
	"github.com/kaifufi/vega-market-go/internal/sandbox"
	"github.com/kaifufi/vega-market-go/relay"
)

func main() {
	ctx := context.Background()

	// Start a relay over an in-memory market
	hub := relay.NewHub(nil)
	sb, err := sandbox.New(ctx, sandbox.Options{Sink: hub})
	if err != nil {
		log.Fatalf("Failed to create sandbox: %v", err)
	}
	srv := httptest.NewServer(relay.NewServer(sb.Market, hub, relay.Config{
		Relayer:   common.HexToAddress("0x3C44CdDdB6a900fa2b585dd299e03d12FA4293BC"),
		RateLimit: 10,
		Burst:     10,
	}))
	defer srv.Close()

	sellerKey, _ := crypto.GenerateKey()
	buyerKey, _ := crypto.GenerateKey()

	seller, err := vegamarket.NewClient(vegamarket.ClientConfig{
		Host:       srv.URL,
		PrivateKey: hexutil.Encode(crypto.FromECDSA(sellerKey)),
	})
	if err != nil {
		log.Fatalf("Failed to create seller client: %v", err)
	}
	defer seller.Close()

	buyer, err := vegamarket.NewClient(vegamarket.ClientConfig{
		Host:       srv.URL,
		PrivateKey: hexutil.Encode(crypto.FromECDSA(buyerKey)),
	})
	if err != nil {
		log.Fatalf("Failed to create buyer client: %v", err)
	}
	defer buyer.Close()

	assetID := sb.MintAssets(seller.Address(), 1)[0]
	sb.Fund(buyer.Address(), new(big.Int).Mul(big.NewInt(10000), big.NewInt(1e18)))

	// Example: Stream purchases of the asset
	purchases := make(chan vegamarket.Event, 1)
	ws := vegamarket.NewWSClient(vegamarket.WSConfig{
		Endpoint: "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws",
		OnMessage: func(messageType int, data []byte) {
			if messageType != websocket.TextMessage {
				return
			}
			if ev, err := vegamarket.ParseWSEvent(data); err == nil {
				purchases <- ev
			}
		},
	})
	if err := ws.Connect(ctx); err != nil {
		log.Fatalf("Failed to connect websocket: %v", err)
	}
	defer ws.Disconnect()
	if err := ws.SubscribePurchase(assetID); err != nil {
		log.Fatalf("Failed to subscribe: %v", err)
	}

	// Example: List an asset for 2.0 reference units
	fmt.Println("Listing asset...")
	price, _ := vegamarket.ParseAmount("2.0", vegamarket.MaxDecimals)
	listed, err := seller.List(assetID, price)
	if err != nil {
		log.Fatalf("Failed to list: %v", err)
	}
	fmt.Printf("List result: %+v\n", listed)

	// Example: Quote the listing at the live rate
	quote, err := buyer.GetSettlementPrice(assetID)
	if err != nil {
		log.Fatalf("Failed to get settlement price: %v", err)
	}
	fmt.Printf("Settlement price: %s tokens\n", vegamarket.FormatAmount(quote.Amount, vegamarket.MaxDecimals))

	// Example: Purchase, capped at the quoted amount
	fmt.Println("\nPurchasing asset...")
	bought, err := buyer.Purchase(ctx, assetID, common.Address{}, quote.Amount, false)
	if err != nil {
		log.Fatalf("Failed to purchase: %v", err)
	}
	fmt.Printf("Purchase result: %+v\n", bought)

	select {
	case ev := <-purchases:
		fmt.Printf("Streamed event: %s %+v\n", ev.Kind(), ev)
	case <-time.After(2 * time.Second):
		fmt.Println("No purchase event streamed")
	}

	// Example: Replay the log
	events, err := buyer.GetEvents(0, 10)
	if err != nil {
		fmt.Printf("Event log unavailable: %v\n", err)
	} else {
		for _, e := range events {
			fmt.Printf("%d %s %s\n", e.Seq, e.Kind, e.Data)
		}
	}

	owner, _ := sb.Assets.OwnerOf(ctx, assetID)
	fmt.Printf("\nOwner: %s\n", owner.Hex())
	fmt.Printf("Seller balance: %s\n", vegamarket.FormatAmount(sb.Payments.BalanceOf(seller.Address()), vegamarket.MaxDecimals))
	fmt.Printf("Buyer balance: %s\n", vegamarket.FormatAmount(sb.Payments.BalanceOf(buyer.Address()), vegamarket.MaxDecimals))
}
