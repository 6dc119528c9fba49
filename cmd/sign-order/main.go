package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/JaeDuckHan/wonswap/pkg/crypto"
	"github.com/JaeDuckHan/wonswap/pkg/market"
)

// Signs an order offline and prints the JSON ready for POST /orders or
// direct gossip injection. With no -key a fresh keypair is generated.
func main() {
	var (
		keyHex     = flag.String("key", "", "private key hex (generates a new key if empty)")
		schemeName = flag.String("scheme", "hex", "address scheme: hex or base58")
		orderType  = flag.String("type", "sell", "order type: sell or buy")
		amount     = flag.Float64("amount", 1.0, "token amount")
		priceKRW   = flag.Int64("price", 1950, "price in KRW per token")
		bank       = flag.String("bank", "", "bank account (sell orders only, kept local)")
		ttl        = flag.Duration("ttl", time.Hour, "time until the order expires")
		id         = flag.String("id", "", "order id (random if empty)")
	)
	flag.Parse()

	scheme := crypto.SchemeHex
	if *schemeName == "base58" {
		scheme = crypto.SchemeBase58
	}

	var (
		signer *crypto.Signer
		err    error
	)
	if *keyHex != "" {
		signer, err = crypto.FromPrivateKeyHex(*keyHex, scheme)
	} else {
		signer, err = crypto.GenerateKey(scheme)
		if err == nil {
			fmt.Fprintf(os.Stderr, "generated key: %s (keep secret)\n", signer.PrivateKeyHex())
		}
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "key: %v\n", err)
		os.Exit(1)
	}
	fmt.Fprintf(os.Stderr, "address: %s\n", signer.Address())

	now := time.Now()
	orderID := *id
	if orderID == "" {
		orderID = fmt.Sprintf("%x", now.UnixNano())
	}
	order := &market.Order{
		ID:          orderID,
		Type:        market.OrderType(*orderType),
		Amount:      *amount,
		PriceKRW:    *priceKRW,
		BankAccount: *bank,
		Expiry:      now.Add(*ttl).Unix(),
		CreatedAt:   now.Unix(),
	}

	svc := crypto.NewService()
	if err := svc.SignOrder(order, signer); err != nil {
		fmt.Fprintf(os.Stderr, "sign: %v\n", err)
		os.Exit(1)
	}
	if err := market.ValidateOrder(order, now); err != nil {
		fmt.Fprintf(os.Stderr, "invalid order: %v\n", err)
		os.Exit(1)
	}

	if v := svc.VerifyOrder(order); !v.Valid {
		fmt.Fprintf(os.Stderr, "self-verify failed: %s\n", v.Reason)
		os.Exit(1)
	}

	out, err := json.MarshalIndent(order, "", "  ")
	if err != nil {
		fmt.Fprintf(os.Stderr, "marshal: %v\n", err)
		os.Exit(1)
	}
	fmt.Println(string(out))
}
