package market

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/rs/zerolog/log"

	"arbscan/internal/persistence"
	"arbscan/internal/rpc"
)

// ErrNoPair means the venue's factory knows no pool for the token pair.
var ErrNoPair = errors.New("market: no pair for tokens on venue")

var (
	factorySelector = crypto.Keccak256([]byte("factory()"))[:4]
	getPairSelector = crypto.Keccak256([]byte("getPair(address,address)"))[:4]
)

// PairResolver maps (dex, tokenA, tokenB) to a verified pool address.
// Resolution is a ladder: memory cache, persistent store, CREATE2
// derivation checked against on-chain bytecode, then the authoritative
// router.factory() / factory.getPair() path. Successful resolutions
// populate both caches.
type PairResolver struct {
	client *rpc.Client
	store  *persistence.Store
	dexes  map[string]DexDescriptor

	mu    sync.Mutex
	cache map[string]common.Address
}

// NewPairResolver builds a resolver over the venue table. store may be nil.
func NewPairResolver(client *rpc.Client, store *persistence.Store, dexes map[string]DexDescriptor) *PairResolver {
	return &PairResolver{
		client: client,
		store:  store,
		dexes:  dexes,
		cache:  make(map[string]common.Address),
	}
}

// Warm preloads the memory cache with every pair the store remembers,
// skipping venues missing from the current table. Returns the number of
// entries loaded.
func (r *PairResolver) Warm(ctx context.Context) (int, error) {
	if r.store == nil {
		return 0, nil
	}
	recs, err := r.store.GetAllPairs(ctx)
	if err != nil {
		return 0, fmt.Errorf("reading pair store: %w", err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	loaded := 0
	for _, rec := range recs {
		if _, ok := r.dexes[rec.Dex]; !ok {
			continue
		}
		key := cacheKey(rec.Dex, common.HexToAddress(rec.Token0), common.HexToAddress(rec.Token1))
		r.cache[key] = common.HexToAddress(rec.Pair)
		loaded++
	}
	return loaded, nil
}

// Resolve returns the pool address for the pair on the venue.
func (r *PairResolver) Resolve(ctx context.Context, dex string, tokenA, tokenB common.Address) (common.Address, error) {
	desc, ok := r.dexes[dex]
	if !ok {
		return common.Address{}, fmt.Errorf("market: unknown dex %q", dex)
	}

	t0, t1 := SortTokens(tokenA, tokenB)
	key := cacheKey(dex, t0, t1)

	r.mu.Lock()
	if addr, ok := r.cache[key]; ok {
		r.mu.Unlock()
		return addr, nil
	}
	r.mu.Unlock()

	if r.store != nil {
		rec, err := r.store.GetPair(ctx, dex, lower(t0), lower(t1))
		if err != nil {
			log.Warn().Err(err).Msg("Pair store read failed")
		} else if rec != nil {
			addr := common.HexToAddress(rec.Pair)
			r.remember(ctx, key, dex, t0, t1, addr, false)
			return addr, nil
		}
	}

	if desc.HasInitCode {
		derived := DeriveCreate2Pair(desc.Factory, desc.InitCodePairHash, t0, t1)
		live, err := r.hasCode(ctx, derived)
		if err != nil {
			return common.Address{}, fmt.Errorf("checking derived pair bytecode: %w", err)
		}
		if live {
			r.remember(ctx, key, dex, t0, t1, derived, true)
			return derived, nil
		}
		log.Debug().
			Str("dex", dex).
			Str("derived", derived.Hex()).
			Msg("Derived pair has no bytecode, falling back to factory")
	}

	addr, err := r.factoryGetPair(ctx, desc, tokenA, tokenB)
	if err != nil {
		return common.Address{}, err
	}
	r.remember(ctx, key, dex, t0, t1, addr, true)
	return addr, nil
}

// DeriveCreate2Pair computes the deterministic V2 pair address:
// keccak256(0xff || factory || keccak256(token0 || token1) || initCodeHash).
func DeriveCreate2Pair(factory common.Address, initCodeHash common.Hash, tokenA, tokenB common.Address) common.Address {
	t0, t1 := SortTokens(tokenA, tokenB)
	salt := crypto.Keccak256Hash(t0.Bytes(), t1.Bytes())
	return crypto.CreateAddress2(factory, salt, initCodeHash.Bytes())
}

// hasCode reports whether the address carries bytecode.
func (r *PairResolver) hasCode(ctx context.Context, addr common.Address) (bool, error) {
	var code hexutil.Bytes
	if err := r.client.Call(ctx, &code, "eth_getCode", addr, "latest"); err != nil {
		return false, err
	}
	return len(code) > 0, nil
}

// factoryGetPair asks the router for its factory, then the factory for the
// pair. A zero pair address means no such pool.
func (r *PairResolver) factoryGetPair(ctx context.Context, desc DexDescriptor, tokenA, tokenB common.Address) (common.Address, error) {
	factory := desc.Factory
	if out, err := r.ethCall(ctx, desc.Router, factorySelector); err == nil {
		if addr, ok := wordToAddress(out); ok && addr != (common.Address{}) {
			factory = addr
		}
	} else {
		log.Debug().Err(err).Str("router", desc.Router.Hex()).Msg("router.factory() failed, using configured factory")
	}

	data := make([]byte, 0, 4+64)
	data = append(data, getPairSelector...)
	data = append(data, common.LeftPadBytes(tokenA.Bytes(), 32)...)
	data = append(data, common.LeftPadBytes(tokenB.Bytes(), 32)...)

	out, err := r.ethCall(ctx, factory, data)
	if err != nil {
		return common.Address{}, fmt.Errorf("factory.getPair: %w", err)
	}
	addr, ok := wordToAddress(out)
	if !ok {
		return common.Address{}, fmt.Errorf("factory.getPair: malformed return (%d bytes)", len(out))
	}
	if addr == (common.Address{}) {
		return common.Address{}, ErrNoPair
	}
	return addr, nil
}

func (r *PairResolver) ethCall(ctx context.Context, to common.Address, data []byte) ([]byte, error) {
	var out hexutil.Bytes
	err := r.client.Call(ctx, &out, "eth_call", map[string]interface{}{
		"to":   to.Hex(),
		"data": hexutil.Encode(data),
	}, "latest")
	return out, err
}

// remember populates the memory cache and, for fresh resolutions, the store.
func (r *PairResolver) remember(ctx context.Context, key, dex string, t0, t1, addr common.Address, persist bool) {
	r.mu.Lock()
	r.cache[key] = addr
	r.mu.Unlock()

	if persist && r.store != nil {
		rec := persistence.PairRecord{
			Dex:    dex,
			Token0: lower(t0),
			Token1: lower(t1),
			Pair:   lower(addr),
		}
		if err := r.store.UpsertPair(ctx, rec); err != nil {
			log.Warn().Err(err).Msg("Pair store write failed")
		}
	}
}

func wordToAddress(data []byte) (common.Address, bool) {
	if len(data) < 32 {
		return common.Address{}, false
	}
	return common.BytesToAddress(data[12:32]), true
}

func cacheKey(dex string, t0, t1 common.Address) string {
	return dex + "|" + lower(t0) + "|" + lower(t1)
}

func lower(addr common.Address) string {
	return strings.ToLower(addr.Hex())
}
