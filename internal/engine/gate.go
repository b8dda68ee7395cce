package engine

import (
	"strconv"

	"binance-signal-engine/internal/market"
	"binance-signal-engine/internal/signal"
)

// derivativesGate is the freshness verdict over a symbol's derivative
// inputs. A stale or missing funding slice blocks emission; open interest
// only degrades the card's OI status tag.
type derivativesGate struct {
	Allow           bool
	OIStatus        string
	FundingRawAgeMS *int64
	OIRawAgeMS      *int64
	Reason          string
}

// evaluateDerivativesGate ages the funding and OI timestamps against the
// corrected now.
func evaluateDerivativesGate(snap market.SymbolSnapshot, nowMS, fundingStaleMS, oiStaleMS int64) derivativesGate {
	fundingRawAgeMS := market.RawAgeMS(nowMS, market.TimeToMS(snap.FundingTS))
	oiRawAgeMS := market.RawAgeMS(nowMS, market.TimeToMS(snap.OpenInterestTS))

	if fundingRawAgeMS == nil {
		return derivativesGate{
			Allow:      false,
			OIStatus:   signal.OIStatusUnknown,
			OIRawAgeMS: oiRawAgeMS,
			Reason:     "funding_missing",
		}
	}

	oiStatus := signal.OIStatusUnknown
	if oiRawAgeMS != nil {
		if *oiRawAgeMS > oiStaleMS {
			oiStatus = signal.OIStatusStale
		} else {
			oiStatus = signal.OIStatusFresh
		}
	}

	if *fundingRawAgeMS > fundingStaleMS {
		return derivativesGate{
			Allow:           false,
			OIStatus:        oiStatus,
			FundingRawAgeMS: fundingRawAgeMS,
			OIRawAgeMS:      oiRawAgeMS,
			Reason:          "funding_stale",
		}
	}

	return derivativesGate{
		Allow:           true,
		OIStatus:        oiStatus,
		FundingRawAgeMS: fundingRawAgeMS,
		OIRawAgeMS:      oiRawAgeMS,
		Reason:          "ok",
	}
}

func fmtAgeMS(v *int64) string {
	if v == nil {
		return "na"
	}
	return strconv.FormatInt(*v, 10)
}
