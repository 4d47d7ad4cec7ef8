package chain

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"sqragent/internal/retry"

	"github.com/gagliardetto/solana-go"
	"github.com/gagliardetto/solana-go/rpc"
	"github.com/shopspring/decimal"
)

// ErrNoTokenAccount is returned when the wallet holds no account for the mint.
var ErrNoTokenAccount = errors.New("no token account for mint")

// ErrDomainNotFound is returned when an SNS name does not resolve.
var ErrDomainNotFound = errors.New("sns domain not found")

// token2022ProgramID owns mints created with the Token Extensions program.
var token2022ProgramID = solana.MustPublicKeyFromBase58("TokenzQdBNbLqP5VEhdkAS6EPFLC1PHnBqCXEpPxuEb")

// Balance is a wallet's holding of one mint.
type Balance struct {
	Owner    solana.PublicKey
	Account  solana.PublicKey
	Amount   decimal.Decimal
	Decimals uint8
}

// BalanceReader looks up SPL token balances.
type BalanceReader struct {
	endpoint string
	policy   retry.Policy
	dial     Dialer
}

func NewBalanceReader(endpoint string, policy retry.Policy, dial Dialer) *BalanceReader {
	if dial == nil {
		dial = DialRPC
	}
	return &BalanceReader{endpoint: endpoint, policy: policy, dial: dial}
}

// TokenBalance returns owner's balance of mint held in its associated token
// account, checking the classic token program first and Token-2022 second.
func (r *BalanceReader) TokenBalance(ctx context.Context, owner, mint solana.PublicKey) (Balance, error) {
	client := r.dial(r.endpoint)
	defer client.Close()

	for _, program := range []solana.PublicKey{solana.TokenProgramID, token2022ProgramID} {
		ata, _, err := solana.FindProgramAddress([][]byte{owner[:], program[:], mint[:]}, solana.SPLAssociatedTokenAccountProgramID)
		if err != nil {
			return Balance{}, fmt.Errorf("derive token account: %w", err)
		}
		res, err := retry.Do(ctx, r.policy, "getTokenAccountBalance", func(ctx context.Context) (*rpc.GetTokenAccountBalanceResult, error) {
			out, err := client.GetTokenAccountBalance(ctx, ata, rpc.CommitmentConfirmed)
			if err != nil {
				if isMissingAccount(err) {
					return nil, retry.Permanent(ErrNoTokenAccount)
				}
				return nil, retry.Transient(err)
			}
			return out, nil
		})
		if errors.Is(err, ErrNoTokenAccount) {
			continue
		}
		if err != nil {
			return Balance{}, fmt.Errorf("get token balance: %w", err)
		}
		if res == nil || res.Value == nil {
			continue
		}
		return Balance{
			Owner:    owner,
			Account:  ata,
			Amount:   uiAmount(rpc.TokenBalance{UiTokenAmount: res.Value}),
			Decimals: res.Value.Decimals,
		}, nil
	}
	return Balance{}, ErrNoTokenAccount
}

func isMissingAccount(err error) bool {
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "could not find account") || strings.Contains(msg, "invalid param: could not find")
}

// DefaultSNSResolverURL is the Bonfida SNS resolution API.
const DefaultSNSResolverURL = "https://sns-api.bonfida.com/v2/resolve/"

// SNSResolver resolves .sol names to wallet addresses.
type SNSResolver struct {
	baseURL string
	client  *http.Client
	policy  retry.Policy
}

func NewSNSResolver(baseURL string, client *http.Client, policy retry.Policy) *SNSResolver {
	if baseURL == "" {
		baseURL = DefaultSNSResolverURL
	}
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	if !strings.HasSuffix(baseURL, "/") {
		baseURL += "/"
	}
	return &SNSResolver{baseURL: baseURL, client: client, policy: policy}
}

// IsDomain reports whether input looks like an SNS name rather than an address.
func IsDomain(input string) bool {
	return strings.HasSuffix(strings.ToLower(strings.TrimSpace(input)), ".sol")
}

// Resolve returns the owner of domain.
func (r *SNSResolver) Resolve(ctx context.Context, domain string) (solana.PublicKey, error) {
	name := strings.TrimSuffix(strings.ToLower(strings.TrimSpace(domain)), ".sol")
	if name == "" {
		return solana.PublicKey{}, ErrDomainNotFound
	}
	return retry.Do(ctx, r.policy, "snsResolve", func(ctx context.Context) (solana.PublicKey, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, r.baseURL+url.PathEscape(name), nil)
		if err != nil {
			return solana.PublicKey{}, retry.Permanent(fmt.Errorf("build sns request: %w", err))
		}
		req.Header.Set("Accept", "application/json")
		resp, err := r.client.Do(req)
		if err != nil {
			return solana.PublicKey{}, retry.Transient(fmt.Errorf("sns request: %w", err))
		}
		defer resp.Body.Close()

		body, err := io.ReadAll(io.LimitReader(resp.Body, 64*1024))
		if err != nil {
			return solana.PublicKey{}, retry.Transient(fmt.Errorf("read sns response: %w", err))
		}
		switch {
		case resp.StatusCode == http.StatusNotFound:
			return solana.PublicKey{}, retry.Permanent(ErrDomainNotFound)
		case resp.StatusCode >= 500:
			return solana.PublicKey{}, retry.Transient(fmt.Errorf("sns resolver returned %d", resp.StatusCode))
		case resp.StatusCode < 200 || resp.StatusCode >= 300:
			return solana.PublicKey{}, retry.Permanent(fmt.Errorf("sns resolver returned %d", resp.StatusCode))
		}

		var out struct {
			Owner  string `json:"owner"`
			Result string `json:"result"`
			Status string `json:"s"`
		}
		if err := json.Unmarshal(body, &out); err != nil {
			return solana.PublicKey{}, retry.Permanent(fmt.Errorf("decode sns response: %w", err))
		}
		owner := out.Owner
		if owner == "" {
			owner = out.Result
		}
		if owner == "" || (out.Status != "" && out.Status != "ok") {
			return solana.PublicKey{}, retry.Permanent(ErrDomainNotFound)
		}
		pk, err := solana.PublicKeyFromBase58(owner)
		if err != nil {
			return solana.PublicKey{}, retry.Permanent(fmt.Errorf("sns owner %q: %w", owner, err))
		}
		return pk, nil
	})
}

// ShortAddress renders an address as "abcd...wxyz".
func ShortAddress(addr string) string {
	if len(addr) <= 8 {
		return addr
	}
	return addr[:4] + "..." + addr[len(addr)-4:]
}
