// Command sign-order produces signed orders and owner action payloads for a devnet node.
//
//	sign-order order  -key <hex> -sell 3 -for 1 [-nonce 1] [-ttl 1h] [-personal]
//	sign-order action -key <hex> -action liquidate -amount 10 -beneficiary 0x.. -nonce 0 [-budget 0]
package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"math/big"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"

	"github.com/uhyunpark/stakeliquidator/params"
	"github.com/uhyunpark/stakeliquidator/pkg/api"
	"github.com/uhyunpark/stakeliquidator/pkg/app/core/order"
	"github.com/uhyunpark/stakeliquidator/pkg/app/core/transaction"
	"github.com/uhyunpark/stakeliquidator/pkg/app/devnet"
	"github.com/uhyunpark/stakeliquidator/pkg/crypto"
)

func main() {
	if len(os.Args) < 2 {
		usage()
	}
	var err error
	switch os.Args[1] {
	case "order":
		err = runOrder(os.Args[2:])
	case "action":
		err = runAction(os.Args[2:])
	default:
		usage()
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func usage() {
	fmt.Fprintln(os.Stderr, "usage: sign-order order|action [flags]")
	os.Exit(2)
}

func loadSigner(key string) (*crypto.Signer, error) {
	if key == "" {
		fmt.Fprintln(os.Stderr, "Generating new keypair...")
		s, err := crypto.GenerateKey()
		if err != nil {
			return nil, err
		}
		fmt.Fprintf(os.Stderr, "Address: %s\nPrivate Key: %s (KEEP SECRET!)\n", s.Address().Hex(), s.PrivateKeyHex())
		return s, nil
	}
	return crypto.FromPrivateKeyHex(key)
}

func runOrder(args []string) error {
	cfg := params.Default()
	fs := flag.NewFlagSet("order", flag.ExitOnError)
	key := fs.String("key", "", "signer private key (hex); generated when empty")
	sell := fs.String("sell", "", "debt token offered, in whole tokens")
	want := fs.String("for", "", "stake token asked, in whole tokens")
	decimals := fs.Int("decimals", 18, "token decimals")
	nonce := fs.Int64("nonce", time.Now().Unix(), "order nonce")
	ttl := fs.Duration("ttl", time.Hour, "time until expiry")
	engine := fs.String("engine", cfg.Engine.Address.Hex(), "liquidator address (order sender)")
	personal := fs.Bool("personal", false, "sign with personal_sign (version 0x45)")
	fs.Parse(args)

	signer, err := loadSigner(*key)
	if err != nil {
		return err
	}
	signerAmount, err := params.ParseAmount(*sell, int32(*decimals))
	if err != nil {
		return fmt.Errorf("-sell: %w", err)
	}
	senderAmount, err := params.ParseAmount(*want, int32(*decimals))
	if err != nil {
		return fmt.Errorf("-for: %w", err)
	}
	if !common.IsHexAddress(*engine) {
		return fmt.Errorf("-engine: invalid address %q", *engine)
	}

	o := &order.Order{
		Nonce:     big.NewInt(*nonce),
		Expiry:    big.NewInt(time.Now().Add(*ttl).Unix()),
		Signer:    order.NewParty(signer.Address(), devnet.DeriveAddress("debt"), signerAmount),
		Sender:    order.NewParty(common.HexToAddress(*engine), devnet.DeriveAddress("stake"), senderAmount),
		Affiliate: order.EmptyParty(),
	}
	version := order.VersionTypedData
	if *personal {
		version = order.VersionPersonalSign
	}
	eip712 := crypto.NewEIP712Signer(crypto.SwapDomain(devnet.DeriveAddress("swap")))
	if err := eip712.SignOrder(signer, o, version); err != nil {
		return err
	}
	id, err := eip712.HashOrder(o)
	if err != nil {
		return err
	}

	out, err := json.MarshalIndent(transaction.FromOrder(o), "", "  ")
	if err != nil {
		return err
	}
	fmt.Fprintf(os.Stderr, "Order ID: %s\n", id.Hex())
	fmt.Fprintf(os.Stderr, "Offer: %s DEBT for %s STK\n",
		params.FormatAmount(signerAmount, int32(*decimals)), params.FormatAmount(senderAmount, int32(*decimals)))
	fmt.Fprintln(os.Stderr, "POST http://localhost:8080/api/v1/orders")
	fmt.Println(string(out))
	return nil
}

func runAction(args []string) error {
	cfg := params.Default()
	fs := flag.NewFlagSet("action", flag.ExitOnError)
	key := fs.String("key", "", "owner private key (hex)")
	action := fs.String("action", "liquidate", "liquidate | reclaim | set-pool")
	amount := fs.String("amount", "", "amount in whole tokens")
	decimals := fs.Int("decimals", 18, "token decimals")
	beneficiary := fs.String("beneficiary", "", "beneficiary address")
	pool := fs.String("pool", "", "new pool address")
	nonce := fs.Uint64("nonce", 0, "owner action nonce (GET /api/v1/auth/nonce)")
	budget := fs.Uint64("budget", 0, "liquidation work budget, zero for the node default")
	engine := fs.String("engine", cfg.Engine.Address.Hex(), "liquidator address")
	fs.Parse(args)

	if *key == "" {
		return fmt.Errorf("-key is required")
	}
	signer, err := crypto.FromPrivateKeyHex(*key)
	if err != nil {
		return err
	}
	engineAddr := common.HexToAddress(*engine)

	sign := func(act string, args ...string) (api.ActionAuth, error) {
		sig, err := signer.SignAction(act, engineAddr, *nonce, args...)
		if err != nil {
			return api.ActionAuth{}, err
		}
		return api.ActionAuth{Nonce: *nonce, Signature: hexutil.Encode(sig)}, nil
	}

	var (
		body interface{}
		path string
	)
	name := strings.ToLower(*action)
	switch name {
	case "liquidate", "reclaim":
		amt, err := params.ParseAmount(*amount, int32(*decimals))
		if err != nil {
			return fmt.Errorf("-amount: %w", err)
		}
		if !common.IsHexAddress(*beneficiary) {
			return fmt.Errorf("-beneficiary: invalid address %q", *beneficiary)
		}
		ben := common.HexToAddress(*beneficiary)
		if name == "liquidate" {
			auth, err := sign(crypto.ActionLiquidate, amt.String(), ben.Hex(), strconv.FormatUint(*budget, 10))
			if err != nil {
				return err
			}
			body, path = api.LiquidateRequest{Amount: amt.String(), Beneficiary: ben.Hex(), Budget: *budget, ActionAuth: auth}, "/api/v1/liquidate"
		} else {
			auth, err := sign(crypto.ActionReclaimStake, amt.String(), ben.Hex())
			if err != nil {
				return err
			}
			body, path = api.ReclaimStakeRequest{Amount: amt.String(), Beneficiary: ben.Hex(), ActionAuth: auth}, "/api/v1/stake/reclaim"
		}
	case "set-pool":
		if !common.IsHexAddress(*pool) {
			return fmt.Errorf("-pool: invalid address %q", *pool)
		}
		p := common.HexToAddress(*pool)
		auth, err := sign(crypto.ActionSetPool, p.Hex())
		if err != nil {
			return err
		}
		body, path = api.SetPoolRequest{Pool: p.Hex(), ActionAuth: auth}, "/api/v1/pool"
	default:
		return fmt.Errorf("unknown action %q", *action)
	}

	out, err := json.MarshalIndent(body, "", "  ")
	if err != nil {
		return err
	}
	fmt.Fprintf(os.Stderr, "Signer: %s\nPOST http://localhost:8080%s\n", signer.Address().Hex(), path)
	fmt.Println(string(out))
	return nil
}
