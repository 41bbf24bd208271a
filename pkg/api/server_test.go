package api

import (
	"bytes"
	"context"
	"encoding/json"
	"math/big"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/uhyunpark/stakeliquidator/pkg/app/core/events"
	"github.com/uhyunpark/stakeliquidator/pkg/app/core/liquidator"
	"github.com/uhyunpark/stakeliquidator/pkg/app/core/order"
	"github.com/uhyunpark/stakeliquidator/pkg/app/core/transaction"
	"github.com/uhyunpark/stakeliquidator/pkg/app/devnet"
	"github.com/uhyunpark/stakeliquidator/pkg/crypto"
	"github.com/uhyunpark/stakeliquidator/pkg/metrics"
	"github.com/uhyunpark/stakeliquidator/pkg/storage"
	"github.com/uhyunpark/stakeliquidator/pkg/util"
)

const now = 1_700_000_000

func ether(n int64) *big.Int {
	return new(big.Int).Mul(big.NewInt(n), big.NewInt(1e18))
}

type published struct {
	orders []*transaction.SignedOrder
}

func (p *published) PublishOrder(_ context.Context, o *transaction.SignedOrder) error {
	p.orders = append(p.orders, o)
	return nil
}

type testNode struct {
	t           *testing.T
	net         *devnet.Network
	clock       *util.ManualClock
	engine      *liquidator.Engine
	server      *Server
	handler     http.Handler
	owner       *crypto.Signer
	maker       *crypto.Signer
	pool        common.Address
	beneficiary common.Address
	pub         *published
	nonce       int64
}

func newTestNode(t *testing.T) *testNode {
	t.Helper()
	clock := util.NewManualClock(time.Unix(now, 0))
	net := devnet.NewNetwork(clock)
	owner, err := crypto.GenerateKey()
	require.NoError(t, err)
	maker, err := crypto.GenerateKey()
	require.NoError(t, err)

	n := &testNode{
		t:           t,
		net:         net,
		clock:       clock,
		owner:       owner,
		maker:       maker,
		pool:        devnet.DeriveAddress("pool"),
		beneficiary: devnet.DeriveAddress("beneficiary"),
		pub:         &published{},
	}
	self := devnet.DeriveAddress("engine")
	net.Registry.ApproveBeneficiary(n.beneficiary)
	require.NoError(t, net.FundPool(n.pool, self, ether(100)))
	require.NoError(t, net.SeedLiquidity(ether(100), ether(100), big.NewInt(1e17)))

	store := storage.NewMemoryStore()
	bus := events.NewBus()
	engine, err := liquidator.New(liquidator.Config{
		Address:         self,
		Owner:           owner.Address(),
		Pool:            n.pool,
		MinSignerAmount: big.NewInt(1),
	}, liquidator.Deps{
		StakeToken: net.Stake,
		DebtToken:  net.Debt,
		Swaps:      net.Router,
		AMM:        net.AMM,
		Registry:   net.Registry,
		Clock:      clock,
		Journal:    store,
		Sink:       bus,
	})
	require.NoError(t, err)
	n.engine = engine

	n.server, err = NewServer(Config{}, Deps{
		Engine:    engine,
		Events:    store,
		Nonces:    store,
		Metrics:   metrics.New(engine.Depth),
		Publisher: n.pub,
	})
	require.NoError(t, err)
	bus.Subscribe(n.server.Hub())
	n.handler = n.server.Handler()
	return n
}

// signedOrder returns the maker's offer in wire form, funded and approved.
func (n *testNode) signedOrder(signerAmt, senderAmt *big.Int) *transaction.SignedOrder {
	n.t.Helper()
	n.nonce++
	n.net.Debt.Mint(n.maker.Address(), signerAmt)
	n.net.Debt.Approve(n.maker.Address(), n.net.Swap.Address(), n.net.Debt.BalanceOf(n.maker.Address()))
	o := &order.Order{
		Nonce:     big.NewInt(n.nonce),
		Expiry:    big.NewInt(now + 3600),
		Signer:    order.NewParty(n.maker.Address(), n.net.Debt.Address(), signerAmt),
		Sender:    order.NewParty(n.engine.Address(), n.net.Stake.Address(), senderAmt),
		Affiliate: order.EmptyParty(),
	}
	require.NoError(n.t, n.net.Swap.Signer().SignOrder(n.maker, o, order.VersionTypedData))
	return transaction.FromOrder(o)
}

func (n *testNode) do(method, path string, body interface{}) *httptest.ResponseRecorder {
	n.t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(n.t, json.NewEncoder(&buf).Encode(body))
	}
	rec := httptest.NewRecorder()
	n.handler.ServeHTTP(rec, httptest.NewRequest(method, path, &buf))
	return rec
}

func (n *testNode) auth(signer *crypto.Signer, action string, nonce uint64, args ...string) ActionAuth {
	n.t.Helper()
	sig, err := signer.SignAction(action, n.engine.Address(), nonce, args...)
	require.NoError(n.t, err)
	return ActionAuth{Nonce: nonce, Signature: hexutil.Encode(sig)}
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var out T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out), rec.Body.String())
	return out
}

func (n *testNode) register(signerAmt, senderAmt *big.Int) string {
	n.t.Helper()
	rec := n.do("POST", "/api/v1/orders", n.signedOrder(signerAmt, senderAmt))
	require.Equal(n.t, http.StatusCreated, rec.Code, rec.Body.String())
	return decode[SubmitOrderResponse](n.t, rec).OrderID
}

func TestSubmitAndQueryOrders(t *testing.T) {
	n := newTestNode(t)
	small := n.register(ether(1), ether(1))
	large := n.register(ether(5), ether(1))
	assert.Len(t, n.pub.orders, 2)

	rec := n.do("GET", "/api/v1/orders?limit=10", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	list := decode[OrdersResponse](t, rec)
	require.Len(t, list.Orders, 2)
	assert.Equal(t, large, list.Orders[0].ID)
	assert.Equal(t, small, list.Orders[0].Next)
	assert.Equal(t, ether(5).String(), list.Orders[0].Order.Signer.Amount)

	head := decode[LinkResponse](t, n.do("GET", "/api/v1/orders/head", nil))
	assert.True(t, head.Found)
	assert.Equal(t, large, head.ID)

	next := decode[LinkResponse](t, n.do("GET", "/api/v1/orders/"+large+"/next", nil))
	assert.Equal(t, small, next.ID)

	fromNone := decode[LinkResponse](t, n.do("GET", "/api/v1/orders/"+order.None.Hex()+"/next", nil))
	assert.Equal(t, large, fromNone.ID)

	one := decode[OrderInfo](t, n.do("GET", "/api/v1/orders/"+small, nil))
	assert.Equal(t, order.None.Hex(), one.Next)

	assert.Equal(t, http.StatusNotFound, n.do("GET", "/api/v1/orders/"+common.HexToHash("0x01").Hex(), nil).Code)
	assert.Equal(t, http.StatusBadRequest, n.do("GET", "/api/v1/orders/nothex", nil).Code)

	info := decode[EngineInfo](t, n.do("GET", "/api/v1/engine", nil))
	assert.Equal(t, 2, info.Depth)
	assert.Equal(t, n.owner.Address().Hex(), info.Owner)
}

func TestSubmitOrderRejections(t *testing.T) {
	n := newTestNode(t)
	signed := n.signedOrder(ether(3), ether(1))
	require.Equal(t, http.StatusCreated, n.do("POST", "/api/v1/orders", signed).Code)

	assert.Equal(t, http.StatusConflict, n.do("POST", "/api/v1/orders", signed).Code)

	tampered := n.signedOrder(ether(3), ether(1))
	tampered.Signer.Amount = ether(30).String()
	assert.Equal(t, http.StatusUnprocessableEntity, n.do("POST", "/api/v1/orders", tampered).Code)

	rec := httptest.NewRecorder()
	n.handler.ServeHTTP(rec, httptest.NewRequest("POST", "/api/v1/orders", strings.NewReader("{")))
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	missing := n.signedOrder(ether(3), ether(1))
	missing.Signature.R = ""
	assert.Equal(t, http.StatusBadRequest, n.do("POST", "/api/v1/orders", missing).Code)
}

func TestLiquidateRequiresOwnerSignature(t *testing.T) {
	n := newTestNode(t)
	n.register(ether(100), ether(25))
	amount, beneficiary := ether(100).String(), n.beneficiary.Hex()

	stranger, err := crypto.GenerateKey()
	require.NoError(t, err)
	rec := n.do("POST", "/api/v1/liquidate", LiquidateRequest{
		Amount: amount, Beneficiary: beneficiary,
		ActionAuth: n.auth(stranger, crypto.ActionLiquidate, 0, amount, beneficiary, "0"),
	})
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Equal(t, uint64(0), n.server.Auth().Nonce())

	req := LiquidateRequest{
		Amount: amount, Beneficiary: beneficiary,
		ActionAuth: n.auth(n.owner, crypto.ActionLiquidate, 0, amount, beneficiary, "0"),
	}
	rec = n.do("POST", "/api/v1/liquidate", req)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	out := decode[LiquidateResponse](t, rec)
	assert.Equal(t, ether(100).String(), out.DebtPaid)
	assert.Equal(t, ether(25).String(), out.StakeUsed)
	assert.Equal(t, 1, out.OrdersFilled)
	require.Len(t, out.Records, 2)
	assert.Equal(t, string(events.KindLiquidated), out.Records[1].Kind)

	// Replaying the same signed request is refused.
	assert.Equal(t, http.StatusUnauthorized, n.do("POST", "/api/v1/liquidate", req).Code)

	nonce := decode[NonceResponse](t, n.do("GET", "/api/v1/auth/nonce", nil))
	assert.Equal(t, uint64(1), nonce.Nonce)
}

func TestLiquidateSignatureBindsArguments(t *testing.T) {
	n := newTestNode(t)
	beneficiary := n.beneficiary.Hex()

	rec := n.do("POST", "/api/v1/liquidate", LiquidateRequest{
		Amount: ether(50).String(), Beneficiary: beneficiary,
		ActionAuth: n.auth(n.owner, crypto.ActionLiquidate, 0, ether(5).String(), beneficiary, "0"),
	})
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	// The budget is signed too.
	rec = n.do("POST", "/api/v1/liquidate", LiquidateRequest{
		Amount: ether(5).String(), Beneficiary: beneficiary, Budget: 1,
		ActionAuth: n.auth(n.owner, crypto.ActionLiquidate, 0, ether(5).String(), beneficiary, "0"),
	})
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Equal(t, uint64(0), n.server.Auth().Nonce())
}

func TestPruneAndEvents(t *testing.T) {
	n := newTestNode(t)
	n.register(ether(3), ether(1))
	n.register(ether(2), ether(1))
	n.clock.Advance(2 * time.Hour)

	rec := n.do("POST", "/api/v1/prune", nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	out := decode[PruneResponse](t, rec)
	assert.Len(t, out.Removed, 2)
	assert.Equal(t, 2, out.Visited)

	history := decode[EventsResponse](t, n.do("GET", "/api/v1/events?after=0&limit=10", nil))
	require.Len(t, history.Records, 4)
	assert.Equal(t, uint64(4), history.Next)
	assert.Equal(t, string(events.KindOrderCancelled), history.Records[3].Kind)
	assert.Equal(t, events.ReasonExpired, history.Records[3].Reason)

	page := decode[EventsResponse](t, n.do("GET", "/api/v1/events?after=2&limit=1", nil))
	require.Len(t, page.Records, 1)
	assert.Equal(t, uint64(3), page.Records[0].Seq)

	assert.Equal(t, http.StatusBadRequest, n.do("GET", "/api/v1/events?after=-1", nil).Code)
}

func TestPruneHonoursRequestBudget(t *testing.T) {
	n := newTestNode(t)
	n.register(ether(3), ether(1))
	n.register(ether(2), ether(1))
	n.clock.Advance(2 * time.Hour)

	out := decode[PruneResponse](t, n.do("POST", "/api/v1/prune", PruneRequest{Budget: 10000}))
	assert.Len(t, out.Removed, 1)
	assert.True(t, out.BudgetExhausted)
}

func TestReclaimStakeAndSetPool(t *testing.T) {
	n := newTestNode(t)
	amount, beneficiary := ether(10).String(), n.beneficiary.Hex()

	rec := n.do("POST", "/api/v1/stake/reclaim", ReclaimStakeRequest{
		Amount: amount, Beneficiary: beneficiary,
		ActionAuth: n.auth(n.owner, crypto.ActionReclaimStake, 0, amount, beneficiary),
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, 0, n.net.Stake.BalanceOf(n.beneficiary).Cmp(ether(10)))

	pool := devnet.DeriveAddress("new-pool").Hex()
	rec = n.do("POST", "/api/v1/pool", SetPoolRequest{
		Pool:       pool,
		ActionAuth: n.auth(n.owner, crypto.ActionSetPool, 1, pool),
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, pool, n.engine.Pool().Hex())

	rec = n.do("POST", "/api/v1/liquidate", LiquidateRequest{
		Amount: amount, Beneficiary: beneficiary,
		ActionAuth: n.auth(n.owner, crypto.ActionLiquidate, 2, amount, beneficiary, "0"),
	})
	assert.Equal(t, http.StatusConflict, rec.Code, "new pool holds no stake")
}

func TestHealthAndMetrics(t *testing.T) {
	n := newTestNode(t)
	n.register(ether(3), ether(1))

	assert.Equal(t, http.StatusOK, n.do("GET", "/health", nil).Code)
	rec := n.do("GET", "/metrics", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "stakeliquidator_orders_listed 1")
	assert.Contains(t, rec.Body.String(), `stakeliquidator_http_requests_total{method="POST",path="/api/v1/orders",status="201"} 1`)
}

func TestWebSocketStreamsRecords(t *testing.T) {
	n := newTestNode(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go n.server.Hub().Run(ctx)

	srv := httptest.NewServer(n.handler)
	defer srv.Close()

	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http")+"/ws", nil)
	require.NoError(t, err)
	defer conn.Close()
	require.NoError(t, conn.WriteJSON(WSSubscribeRequest{Op: "subscribe", Channels: []string{ChannelRecords}}))

	require.Eventually(t, func() bool {
		n.server.hub.mu.RLock()
		defer n.server.hub.mu.RUnlock()
		for c := range n.server.hub.clients {
			if c.IsSubscribed(ChannelRecords) {
				return true
			}
		}
		return false
	}, 2*time.Second, 10*time.Millisecond)

	id := n.register(ether(3), ether(1))

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var update RecordUpdate
	require.NoError(t, conn.ReadJSON(&update))
	assert.Equal(t, "record", update.Type)
	assert.Equal(t, string(events.KindOrderRegistered), update.Kind)
	assert.Equal(t, id, update.OrderID)
}
