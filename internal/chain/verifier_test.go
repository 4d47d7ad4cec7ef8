package chain

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"sqragent/internal/retry"

	"github.com/gagliardetto/solana-go"
	"github.com/gagliardetto/solana-go/rpc"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	testMint      = solana.MustPublicKeyFromBase58("CsZmZ4fz9bBjGRcu3Ram4tmLRMmKS6GPWqz4ZVxsxpNX")
	testRecipient = solana.MustPublicKeyFromBase58("Dt4ansTyBp3ygaDnK1UeR1YVPtyLm5VDqnisqvDR5LM7")
	testPayer     = solana.NewWallet().PublicKey()
)

type fakeRPC struct {
	mu        sync.Mutex
	calls     int
	closed    bool
	opts      *rpc.GetTransactionOpts
	responses []func() (*rpc.GetTransactionResult, error)
	balances  map[solana.PublicKey]*rpc.GetTokenAccountBalanceResult
}

func (f *fakeRPC) GetTransaction(_ context.Context, _ solana.Signature, opts *rpc.GetTransactionOpts) (*rpc.GetTransactionResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	i := f.calls
	f.calls++
	f.opts = opts
	if i >= len(f.responses) {
		i = len(f.responses) - 1
	}
	return f.responses[i]()
}

func (f *fakeRPC) GetTokenAccountBalance(_ context.Context, account solana.PublicKey, _ rpc.CommitmentType) (*rpc.GetTokenAccountBalanceResult, error) {
	if res, ok := f.balances[account]; ok {
		return res, nil
	}
	return nil, errors.New("Invalid param: could not find account")
}

func (f *fakeRPC) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

func testSignature() string {
	var sig solana.Signature
	for i := range sig {
		sig[i] = byte(i + 1)
	}
	return sig.String()
}

func balance(index uint16, owner, mint solana.PublicKey, raw string) rpc.TokenBalance {
	o := owner
	return rpc.TokenBalance{
		AccountIndex:  index,
		Owner:         &o,
		Mint:          mint,
		UiTokenAmount: &rpc.UiTokenAmount{Amount: raw, Decimals: 6},
	}
}

func txResult(blockTime time.Time, pre, post []rpc.TokenBalance) *rpc.GetTransactionResult {
	bt := solana.UnixTimeSeconds(blockTime.Unix())
	return &rpc.GetTransactionResult{
		BlockTime: &bt,
		Meta: &rpc.TransactionMeta{
			PreTokenBalances:  pre,
			PostTokenBalances: post,
		},
	}
}

func newTestVerifier(f *fakeRPC) *Verifier {
	return NewVerifier("http://rpc.invalid", testRecipient, 30*time.Minute,
		WithDialer(func(string) RPCClient { return f }),
		WithPolicy(retry.Policy{MaxAttempts: 3, Sleep: func(context.Context, time.Duration) error { return nil }}),
	)
}

func always(res *rpc.GetTransactionResult, err error) []func() (*rpc.GetTransactionResult, error) {
	return []func() (*rpc.GetTransactionResult, error){func() (*rpc.GetTransactionResult, error) { return res, err }}
}

func verifyCode(t *testing.T, err error) Code {
	t.Helper()
	var verr *VerificationError
	require.ErrorAs(t, err, &verr)
	return verr.Code
}

func TestVerifyConfirmsTransferWithinWindow(t *testing.T) {
	t.Parallel()

	start := time.Date(2026, 5, 1, 10, 0, 0, 0, time.UTC)
	pre := []rpc.TokenBalance{balance(2, testRecipient, testMint, "5000000000")}
	post := []rpc.TokenBalance{balance(2, testRecipient, testMint, "6000000000")}
	f := &fakeRPC{responses: always(txResult(start.Add(10*time.Minute), pre, post), nil)}

	var outcomes []string
	v := newTestVerifier(f)
	v.observe = func(o string) { outcomes = append(outcomes, o) }

	got, err := v.Verify(context.Background(), testSignature(), start, decimal.NewFromInt(1000), testMint)
	require.NoError(t, err)
	assert.True(t, got.Amount.Equal(decimal.NewFromInt(1000)), "amount %s", got.Amount)
	assert.True(t, got.BlockTime.Equal(start.Add(10*time.Minute)), "block time %s", got.BlockTime)
	assert.True(t, f.closed, "rpc client must be closed")
	assert.Equal(t, []string{"confirmed"}, outcomes)
	require.NotNil(t, f.opts)
	assert.Equal(t, solana.EncodingBase64, f.opts.Encoding)
	assert.Equal(t, rpc.CommitmentConfirmed, f.opts.Commitment)
	require.NotNil(t, f.opts.MaxSupportedTransactionVersion)
	assert.Equal(t, uint64(0), *f.opts.MaxSupportedTransactionVersion)
}

func TestVerifyNewRecipientAccountCountsFromZero(t *testing.T) {
	t.Parallel()

	start := time.Date(2026, 5, 1, 10, 0, 0, 0, time.UTC)
	post := []rpc.TokenBalance{
		balance(1, testPayer, testMint, "0"),
		balance(3, testRecipient, testMint, "2000000000"),
	}
	f := &fakeRPC{responses: always(txResult(start.Add(time.Minute), nil, post), nil)}

	got, err := newTestVerifier(f).Verify(context.Background(), testSignature(), start, decimal.NewFromInt(2000), testMint)
	require.NoError(t, err)
	assert.True(t, got.Amount.Equal(decimal.NewFromInt(2000)))
}

func TestVerifyRejections(t *testing.T) {
	t.Parallel()

	start := time.Date(2026, 5, 1, 10, 0, 0, 0, time.UTC)
	otherMint := solana.NewWallet().PublicKey()
	paid := func(raw string) ([]rpc.TokenBalance, []rpc.TokenBalance) {
		return []rpc.TokenBalance{balance(2, testRecipient, testMint, "1000000")},
			[]rpc.TokenBalance{balance(2, testRecipient, testMint, raw)}
	}

	tests := []struct {
		name  string
		res   *rpc.GetTransactionResult
		want  Code
		check func(t *testing.T, verr *VerificationError)
	}{
		{
			name: "failed transaction",
			res: func() *rpc.GetTransactionResult {
				pre, post := paid("1001000000")
				r := txResult(start.Add(time.Minute), pre, post)
				r.Meta.Err = map[string]any{"InstructionError": []any{0, "Custom"}}
				return r
			}(),
			want: CodeTransactionFailed,
		},
		{
			name: "before command",
			res: func() *rpc.GetTransactionResult {
				pre, post := paid("1001000000")
				return txResult(start.Add(-time.Second), pre, post)
			}(),
			want: CodeCompletedBeforeCommand,
		},
		{
			name: "after deadline",
			res: func() *rpc.GetTransactionResult {
				pre, post := paid("1001000000")
				return txResult(start.Add(37*time.Minute), pre, post)
			}(),
			want: CodeCompletedAfterDeadline,
			check: func(t *testing.T, verr *VerificationError) {
				assert.Equal(t, 7, verr.MinutesLate)
				assert.Contains(t, verr.Error(), "7 minutes")
			},
		},
		{
			name: "no balance for recipient",
			res: txResult(start.Add(time.Minute),
				[]rpc.TokenBalance{balance(2, testPayer, testMint, "5")},
				[]rpc.TokenBalance{balance(2, testPayer, testMint, "4"), balance(4, testRecipient, otherMint, "9")}),
			want: CodeTokenBalanceNotFound,
		},
		{
			name: "non positive",
			res: func() *rpc.GetTransactionResult {
				pre, post := paid("1000000")
				return txResult(start.Add(time.Minute), pre, post)
			}(),
			want: CodeInvalidTransfer,
		},
		{
			name: "insufficient",
			res: func() *rpc.GetTransactionResult {
				pre, post := paid("500000000")
				return txResult(start.Add(time.Minute), pre, post)
			}(),
			want: CodeInsufficientAmount,
			check: func(t *testing.T, verr *VerificationError) {
				assert.True(t, verr.Amount.Equal(decimal.NewFromInt(499)), "amount %s", verr.Amount)
				assert.Contains(t, verr.Error(), "499")
			},
		},
		{
			name: "one token short of the cost",
			res: func() *rpc.GetTransactionResult {
				pre, post := paid("1000000000")
				return txResult(start.Add(time.Minute), pre, post)
			}(),
			want: CodeInsufficientAmount,
			check: func(t *testing.T, verr *VerificationError) {
				assert.True(t, verr.Amount.Equal(decimal.NewFromInt(999)), "amount %s", verr.Amount)
			},
		},
		{
			name: "fraction short of the cost",
			res: func() *rpc.GetTransactionResult {
				pre, post := paid("1000999000")
				return txResult(start.Add(time.Minute), pre, post)
			}(),
			want: CodeInsufficientAmount,
			check: func(t *testing.T, verr *VerificationError) {
				assert.True(t, verr.Amount.Equal(decimal.RequireFromString("999.999")), "amount %s", verr.Amount)
			},
		},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			f := &fakeRPC{responses: always(tc.res, nil)}
			_, err := newTestVerifier(f).Verify(context.Background(), testSignature(), start, decimal.NewFromInt(1000), testMint)
			var verr *VerificationError
			require.ErrorAs(t, err, &verr)
			assert.Equal(t, tc.want, verr.Code)
			assert.False(t, verr.Retryable())
			if tc.check != nil {
				tc.check(t, verr)
			}
		})
	}
}

func TestVerifyExactlyAtDeadlineIsAccepted(t *testing.T) {
	t.Parallel()

	start := time.Date(2026, 5, 1, 10, 0, 0, 0, time.UTC)
	pre := []rpc.TokenBalance{balance(2, testRecipient, testMint, "0")}
	post := []rpc.TokenBalance{balance(2, testRecipient, testMint, "1000000000")}
	f := &fakeRPC{responses: always(txResult(start.Add(30*time.Minute), pre, post), nil)}

	_, err := newTestVerifier(f).Verify(context.Background(), testSignature(), start, decimal.NewFromInt(1000), testMint)
	require.NoError(t, err)
}

func TestVerifyTruncatesCommandStartToSeconds(t *testing.T) {
	t.Parallel()

	// Payment lands in the same second the command was issued.
	start := time.Date(2026, 5, 1, 10, 0, 0, 750_000_000, time.UTC)
	pre := []rpc.TokenBalance{balance(2, testRecipient, testMint, "0")}
	post := []rpc.TokenBalance{balance(2, testRecipient, testMint, "1000000000")}
	f := &fakeRPC{responses: always(txResult(start.Truncate(time.Second), pre, post), nil)}

	_, err := newTestVerifier(f).Verify(context.Background(), testSignature(), start, decimal.NewFromInt(1000), testMint)
	require.NoError(t, err)
}

func TestVerifyBadSignatureSkipsRPC(t *testing.T) {
	t.Parallel()

	f := &fakeRPC{responses: always(nil, errors.New("unreachable"))}
	_, err := newTestVerifier(f).Verify(context.Background(), "not-base58-0OIl", time.Now(), decimal.NewFromInt(1), testMint)
	assert.Equal(t, CodeBadSignature, verifyCode(t, err))
	assert.Equal(t, 0, f.calls)
}

func TestVerifyNotFoundIsRetriedThenReported(t *testing.T) {
	t.Parallel()

	f := &fakeRPC{responses: always(nil, rpc.ErrNotFound)}
	_, err := newTestVerifier(f).Verify(context.Background(), testSignature(), time.Now(), decimal.NewFromInt(1), testMint)
	assert.Equal(t, CodeTxNotFound, verifyCode(t, err))
	assert.Equal(t, 3, f.calls)

	var verr *VerificationError
	require.ErrorAs(t, err, &verr)
	assert.True(t, verr.Retryable())
}

func TestVerifyNilBlockTimeCountsAsNotFound(t *testing.T) {
	t.Parallel()

	f := &fakeRPC{responses: always(&rpc.GetTransactionResult{Meta: &rpc.TransactionMeta{}}, nil)}
	_, err := newTestVerifier(f).Verify(context.Background(), testSignature(), time.Now(), decimal.NewFromInt(1), testMint)
	assert.Equal(t, CodeTxNotFound, verifyCode(t, err))
}

func TestVerifyNetworkFailureReportsUnavailable(t *testing.T) {
	t.Parallel()

	f := &fakeRPC{responses: always(nil, errors.New("dial tcp: connection refused"))}
	_, err := newTestVerifier(f).Verify(context.Background(), testSignature(), time.Now(), decimal.NewFromInt(1), testMint)
	assert.Equal(t, CodeRPCUnavailable, verifyCode(t, err))
	assert.Contains(t, err.Error(), "temporarily unavailable")
	assert.Equal(t, 3, f.calls)
}

func TestVerifyRecoversAfterTransientFailure(t *testing.T) {
	t.Parallel()

	start := time.Date(2026, 5, 1, 10, 0, 0, 0, time.UTC)
	post := []rpc.TokenBalance{balance(2, testRecipient, testMint, "1000000000")}
	f := &fakeRPC{responses: []func() (*rpc.GetTransactionResult, error){
		func() (*rpc.GetTransactionResult, error) { return nil, errors.New("timeout") },
		func() (*rpc.GetTransactionResult, error) { return nil, rpc.ErrNotFound },
		func() (*rpc.GetTransactionResult, error) { return txResult(start.Add(time.Minute), nil, post), nil },
	}}
	_, err := newTestVerifier(f).Verify(context.Background(), testSignature(), start, decimal.NewFromInt(1000), testMint)
	require.NoError(t, err)
	assert.Equal(t, 3, f.calls)
}

func TestTransferredAmountSumsMultipleAccounts(t *testing.T) {
	t.Parallel()

	pre := []rpc.TokenBalance{
		balance(1, testRecipient, testMint, "1000000"),
		balance(5, testPayer, testMint, "9000000"),
	}
	post := []rpc.TokenBalance{
		balance(1, testRecipient, testMint, "2500000"),
		balance(3, testRecipient, testMint, "500000"),
		balance(5, testPayer, testMint, "7000000"),
	}
	amount, found := TransferredAmount(pre, post, testMint, testRecipient)
	require.True(t, found)
	assert.True(t, amount.Equal(decimal.RequireFromString("2")), "amount %s", amount)
}

func TestTokenBalanceFallsBackToToken2022Account(t *testing.T) {
	t.Parallel()

	owner := solana.NewWallet().PublicKey()
	ata2022, _, err := solana.FindProgramAddress([][]byte{owner[:], token2022ProgramID[:], testMint[:]}, solana.SPLAssociatedTokenAccountProgramID)
	require.NoError(t, err)

	f := &fakeRPC{balances: map[solana.PublicKey]*rpc.GetTokenAccountBalanceResult{
		ata2022: {Value: &rpc.UiTokenAmount{Amount: "12345000000", Decimals: 6}},
	}}
	r := NewBalanceReader("http://rpc.invalid", retry.Policy{MaxAttempts: 1}, func(string) RPCClient { return f })

	got, err := r.TokenBalance(context.Background(), owner, testMint)
	require.NoError(t, err)
	assert.Equal(t, ata2022, got.Account)
	assert.True(t, got.Amount.Equal(decimal.RequireFromString("12345")))

	_, err = r.TokenBalance(context.Background(), solana.NewWallet().PublicKey(), testMint)
	assert.ErrorIs(t, err, ErrNoTokenAccount)
}

func TestSNSResolver(t *testing.T) {
	t.Parallel()

	owner := solana.NewWallet().PublicKey()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/v2/resolve/sqrdao":
			_, _ = w.Write([]byte(`{"s":"ok","result":"` + owner.String() + `"}`))
		case "/v2/resolve/legacy":
			_, _ = w.Write([]byte(`{"owner":"` + owner.String() + `"}`))
		default:
			http.NotFound(w, r)
		}
	}))
	t.Cleanup(srv.Close)

	r := NewSNSResolver(srv.URL+"/v2/resolve", srv.Client(), retry.Policy{MaxAttempts: 2})

	got, err := r.Resolve(context.Background(), "SQRDAO.sol")
	require.NoError(t, err)
	assert.Equal(t, owner, got)

	got, err = r.Resolve(context.Background(), "legacy.sol")
	require.NoError(t, err)
	assert.Equal(t, owner, got)

	_, err = r.Resolve(context.Background(), "missing.sol")
	assert.ErrorIs(t, err, ErrDomainNotFound)

	assert.True(t, IsDomain("name.SOL"))
	assert.False(t, IsDomain(owner.String()))
	assert.Equal(t, "Dt4a...5LM7", ShortAddress(testRecipient.String()))
}
