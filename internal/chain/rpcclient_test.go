package chain

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gagliardetto/solana-go"
	"github.com/stretchr/testify/require"
)

// rpcServer answers getAccountInfo with value, echoing the request id.
func rpcServer(t *testing.T, value any) *httptest.Server {
	t.Helper()
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var request struct {
			ID     json.RawMessage `json:"id"`
			Method string          `json:"method"`
		}
		if err := json.NewDecoder(r.Body).Decode(&request); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		if request.Method != "getAccountInfo" {
			http.Error(w, "unexpected method "+request.Method, http.StatusBadRequest)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"jsonrpc": "2.0",
			"id":      request.ID,
			"result": map[string]any{
				"context": map[string]any{"slot": 4242},
				"value":   value,
			},
		})
	}))
	t.Cleanup(server.Close)
	return server
}

func TestRPCClientFetchAccount(t *testing.T) {
	payload := []byte{0x7f, 'E', 'L', 'F'}
	server := rpcServer(t, map[string]any{
		"data":       []string{base64.StdEncoding.EncodeToString(payload), "base64"},
		"executable": true,
		"lamports":   1141440,
		"owner":      LoaderV2ID.String(),
		"rentEpoch":  0,
	})

	client := NewRPCClient(server.URL)
	defer client.Close()

	account, err := client.FetchAccount(context.Background(), testProgramID)
	require.NoError(t, err)
	require.Equal(t, testProgramID, account.Address)
	require.True(t, account.Owner.Equals(LoaderV2ID))
	require.True(t, account.Executable)
	require.Equal(t, payload, account.Data)
	require.Equal(t, uint64(4242), account.Slot)
}

func TestRPCClientFetchMissingAccount(t *testing.T) {
	server := rpcServer(t, nil)
	client := NewRPCClient(server.URL)
	defer client.Close()

	_, err := client.FetchAccount(context.Background(), solana.SystemProgramID)
	require.ErrorIs(t, err, ErrAccountNotFound)
}
