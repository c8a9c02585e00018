package tpmlog

// CheckSummary counts the verdicts of an offline check.
type CheckSummary struct {
	Total       int
	Verified    int
	BadSig      int
	ChainBroken int
	Failed      int
}

// OK reports whether every record verified.
func (s CheckSummary) OK() bool { return s.Total == s.Verified }

// CheckStore replays every record of a local store from startIdx, checking
// each signature and the PCR chain between consecutive records. fn, when
// non-nil, sees each verdict in order.
func CheckStore(store Store, startIdx uint64, v RecordVerifier, fn func(Verification)) (CheckSummary, error) {
	ch, done, err := store.Iter(startIdx)
	if err != nil {
		return CheckSummary{}, err
	}

	var sum CheckSummary
	tracker := NewChainTracker(v.Algorithm(), nil)
	for r := range ch {
		res := Verification{Record: r}
		ok, verr := v.VerifyExternal(r)
		cerr := tracker.Check(r)
		switch {
		case verr != nil:
			res.Outcome, res.Err = OutcomeTPMFailure, verr
			sum.Failed++
		case !ok:
			res.Outcome, res.Err = OutcomeSignatureInvalid, ErrSignatureInvalid
			sum.BadSig++
		case cerr != nil:
			res.Outcome, res.Err = OutcomeChainBroken, cerr
			sum.ChainBroken++
		default:
			sum.Verified++
		}
		sum.Total++
		if fn != nil {
			fn(res)
		}
	}
	return sum, done()
}
