package chain

import (
	"context"
	"encoding/base64"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gagliardetto/solana-go"
	"github.com/stretchr/testify/require"

	"github.com/MSB0095/sol-beast-sub000/internal/curve"
)

func rpcServer(t *testing.T, handler func(method string, params []json.RawMessage) (interface{}, error)) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			ID     uint64            `json:"id"`
			Method string            `json:"method"`
			Params []json.RawMessage `json:"params"`
		}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))

		result, err := handler(req.Method, req.Params)
		resp := map[string]interface{}{"jsonrpc": "2.0", "id": req.ID}
		if err != nil {
			resp["error"] = map[string]interface{}{"code": -32000, "message": err.Error()}
		} else {
			resp["result"] = result
		}
		require.NoError(t, json.NewEncoder(w).Encode(resp))
	}))
}

func curveAccountData(vtok, vsol uint64) []byte {
	data := make([]byte, 49)
	copy(data, curve.StateDiscriminator[:])
	binary.LittleEndian.PutUint64(data[8:], vtok)
	binary.LittleEndian.PutUint64(data[16:], vsol)
	return data
}

func TestGetAccountInfo(t *testing.T) {
	owner := solana.NewWallet().PublicKey()
	payload := []byte{1, 2, 3, 4}

	srv := rpcServer(t, func(method string, params []json.RawMessage) (interface{}, error) {
		require.Equal(t, "getAccountInfo", method)
		return map[string]interface{}{
			"value": map[string]interface{}{
				"lamports": 1000,
				"owner":    owner.String(),
				"data":     []string{base64.StdEncoding.EncodeToString(payload), "base64"},
			},
		}, nil
	})
	defer srv.Close()

	c, err := NewHTTPClient([]string{srv.URL})
	require.NoError(t, err)

	info, err := c.GetAccountInfo(context.Background(), solana.NewWallet().PublicKey())
	require.NoError(t, err)
	require.Equal(t, uint64(1000), info.Lamports)
	require.Equal(t, owner, info.Owner)
	require.Equal(t, payload, info.Data)
}

func TestGetAccountInfo_NotFound(t *testing.T) {
	srv := rpcServer(t, func(string, []json.RawMessage) (interface{}, error) {
		return map[string]interface{}{"value": nil}, nil
	})
	defer srv.Close()

	c, err := NewHTTPClient([]string{srv.URL})
	require.NoError(t, err)

	_, err = c.GetAccountInfo(context.Background(), solana.NewWallet().PublicKey())
	require.ErrorIs(t, err, ErrAccountNotFound)
}

func TestCall_RotatesEndpointsOnFailure(t *testing.T) {
	var healthyHits atomic.Int64

	broken := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer broken.Close()

	healthy := rpcServer(t, func(method string, params []json.RawMessage) (interface{}, error) {
		healthyHits.Add(1)
		return map[string]interface{}{
			"value": map[string]interface{}{"blockhash": solana.NewWallet().PublicKey().String()},
		}, nil
	})
	defer healthy.Close()

	c, err := NewHTTPClient([]string{broken.URL, healthy.URL}, WithRetryDelay(time.Millisecond))
	require.NoError(t, err)

	_, err = c.LatestBlockhash(context.Background())
	require.NoError(t, err)
	require.Equal(t, int64(1), healthyHits.Load())
}

func TestCall_RPCErrorNotRetried(t *testing.T) {
	var hits atomic.Int64
	srv := rpcServer(t, func(string, []json.RawMessage) (interface{}, error) {
		hits.Add(1)
		return nil, errors.New("Transaction simulation failed")
	})
	defer srv.Close()

	c, err := NewHTTPClient([]string{srv.URL}, WithRetryDelay(time.Millisecond))
	require.NoError(t, err)

	_, err = c.LatestBlockhash(context.Background())
	require.Error(t, err)
	require.Contains(t, err.Error(), "simulation failed")
	require.Equal(t, int64(1), hits.Load())
}

func TestNewHTTPClient_NoEndpoints(t *testing.T) {
	_, err := NewHTTPClient(nil)
	require.Error(t, err)
}

func signedTestTx(t *testing.T) *solana.Transaction {
	t.Helper()
	wallet := solana.NewWallet()
	tx, err := solana.NewTransaction(
		[]solana.Instruction{solana.NewInstruction(solana.SystemProgramID, solana.AccountMetaSlice{}, []byte{0})},
		solana.HashFromBytes(make([]byte, 32)),
		solana.TransactionPayer(wallet.PublicKey()),
	)
	require.NoError(t, err)
	_, err = tx.Sign(func(key solana.PublicKey) *solana.PrivateKey {
		if key.Equals(wallet.PublicKey()) {
			return &wallet.PrivateKey
		}
		return nil
	})
	require.NoError(t, err)
	return tx
}

func TestSimulateTransaction(t *testing.T) {
	srv := rpcServer(t, func(method string, params []json.RawMessage) (interface{}, error) {
		require.Equal(t, "simulateTransaction", method)
		require.Len(t, params, 2)

		var encoded string
		require.NoError(t, json.Unmarshal(params[0], &encoded))
		_, err := base64.StdEncoding.DecodeString(encoded)
		require.NoError(t, err)

		var opts map[string]interface{}
		require.NoError(t, json.Unmarshal(params[1], &opts))
		require.Equal(t, "base64", opts["encoding"])
		require.Equal(t, true, opts["sigVerify"])

		return map[string]interface{}{
			"value": map[string]interface{}{
				"err":           nil,
				"logs":          []string{"Program log: ok"},
				"unitsConsumed": 1500,
			},
		}, nil
	})
	defer srv.Close()

	c, err := NewHTTPClient([]string{srv.URL})
	require.NoError(t, err)

	sim, err := c.SimulateTransaction(context.Background(), signedTestTx(t))
	require.NoError(t, err)
	require.Empty(t, sim.Err)
	require.Equal(t, []string{"Program log: ok"}, sim.Logs)
	require.Equal(t, uint64(1500), sim.UnitsConsumed)
}

func TestSimulateTransaction_ProgramError(t *testing.T) {
	srv := rpcServer(t, func(string, []json.RawMessage) (interface{}, error) {
		return map[string]interface{}{
			"value": map[string]interface{}{
				"err":  map[string]interface{}{"InstructionError": []interface{}{2, map[string]interface{}{"Custom": 6002}}},
				"logs": []string{"Program log: slippage exceeded"},
			},
		}, nil
	})
	defer srv.Close()

	c, err := NewHTTPClient([]string{srv.URL})
	require.NoError(t, err)

	sim, err := c.SimulateTransaction(context.Background(), signedTestTx(t))
	require.NoError(t, err)
	require.Contains(t, sim.Err, "InstructionError")
}

// fakeClient serves canned account data without a network.
type fakeClient struct {
	accounts map[solana.PublicKey][]byte
	err      error
}

var _ Client = (*fakeClient)(nil)

func (f *fakeClient) GetAccountInfo(_ context.Context, pubkey solana.PublicKey) (*AccountInfo, error) {
	if f.err != nil {
		return nil, f.err
	}
	data, ok := f.accounts[pubkey]
	if !ok {
		return nil, fmt.Errorf("account %s: %w", pubkey, ErrAccountNotFound)
	}
	return &AccountInfo{Data: data}, nil
}

func (f *fakeClient) LatestBlockhash(context.Context) (solana.Hash, error) {
	return solana.Hash{}, nil
}

func (f *fakeClient) SendTransaction(context.Context, *solana.Transaction) (solana.Signature, error) {
	return solana.Signature{}, nil
}

func (f *fakeClient) SimulateTransaction(context.Context, *solana.Transaction) (*SimulationResult, error) {
	return &SimulationResult{}, nil
}

func TestPriceFetcher(t *testing.T) {
	program := solana.MustPublicKeyFromBase58("6EF8rrecthR5Dkzon8Nwu78hRvfCKubJ14M5uBEwF6P")
	mint := solana.NewWallet().PublicKey()

	curveAddr, _, err := solana.FindProgramAddress([][]byte{[]byte("bonding-curve"), mint.Bytes()}, program)
	require.NoError(t, err)

	client := &fakeClient{accounts: map[solana.PublicKey][]byte{
		curveAddr: curveAccountData(1_000_000_000, 30_000_000_000),
	}}

	f := NewPriceFetcher(client, program, time.Second)
	price, err := f.Price(context.Background(), mint)
	require.NoError(t, err)
	require.InDelta(t, 0.03, price, 1e-12)
}

func TestPriceFetcher_MissingCurve(t *testing.T) {
	program := solana.MustPublicKeyFromBase58("6EF8rrecthR5Dkzon8Nwu78hRvfCKubJ14M5uBEwF6P")
	f := NewPriceFetcher(&fakeClient{accounts: map[solana.PublicKey][]byte{}}, program, time.Second)

	_, err := f.Price(context.Background(), solana.NewWallet().PublicKey())
	require.ErrorIs(t, err, ErrAccountNotFound)
}

func TestWallet(t *testing.T) {
	raw := solana.NewWallet()
	w, err := LoadWallet(raw.PrivateKey.String())
	require.NoError(t, err)
	require.Equal(t, raw.PublicKey(), w.PublicKey())

	_, err = LoadWallet("not-a-key")
	require.Error(t, err)
}
