package market

import (
	"strings"
	"time"
)

// LifecycleState is the classifier's view of where a market sits between
// trading and settlement.
type LifecycleState string

const (
	StateActive            LifecycleState = "ACTIVE"
	StatePendingResolution LifecycleState = "PENDING_RESOLUTION"
	StateClosed            LifecycleState = "CLOSED"
)

// WinnerResult reports which semantic side won a resolved market.
type WinnerResult string

const (
	YesWon        WinnerResult = "YES_WON"
	NoWon         WinnerResult = "NO_WON"
	WinnerUnknown WinnerResult = "UNKNOWN"
)

// Container is the venue's event container: one child market for a plain
// binary market, several for a multi-outcome event.
type Container struct {
	Markets []ChildMarket
}

// ChildMarket is the classifier's view of one child inside a container.
type ChildMarket struct {
	ID                  string
	ConditionID         string
	Question            string
	UmaResolutionStatus string
	AcceptingOrders     *bool
	EndTimeMs           int64
	Outcomes            []string
	OutcomePrices       []float64
}

func (c ChildMarket) matches(target string) bool {
	if target == "" {
		return false
	}
	return c.ConditionID == target || c.ID == target
}

func (c ChildMarket) resolved() bool {
	return strings.EqualFold(strings.TrimSpace(c.UmaResolutionStatus), "resolved")
}

// Classification is the pure result of classifying a container for a target
// market id.
type Classification struct {
	Type  Type
	State LifecycleState

	// Winner fields are populated only when State is StateClosed and a
	// winning outcome could be extracted.
	Winner              WinnerResult
	WinningOutcomeIndex int
	WinningLabel        string

	// WinningSide is the side that won within the matched child; it is the
	// settlement rule for multi children.
	WinningSide Side
}

// Classify inspects a container and reports the lifecycle of the child
// matching targetMarketID.
//
// Multi children use acceptingOrders (not endDate) to derive the pending
// state: the venue toggles acceptingOrders per child at different times.
func Classify(c Container, targetMarketID string, now time.Time) Classification {
	out := Classification{Type: TypeSingle, State: StateActive, Winner: WinnerUnknown, WinningOutcomeIndex: -1}
	if len(c.Markets) == 0 {
		return out
	}
	if len(c.Markets) > 1 {
		out.Type = TypeMulti
	}

	var child ChildMarket
	if out.Type == TypeMulti {
		found := false
		for _, m := range c.Markets {
			if m.matches(targetMarketID) {
				child = m
				found = true
				break
			}
		}
		if !found {
			return out
		}
	} else {
		child = c.Markets[0]
	}

	switch out.Type {
	case TypeSingle:
		switch {
		case child.resolved():
			out.State = StateClosed
		case child.EndTimeMs > 0 && now.UnixMilli() >= child.EndTimeMs:
			out.State = StatePendingResolution
		}
	case TypeMulti:
		switch {
		case child.resolved():
			out.State = StateClosed
		case child.AcceptingOrders != nil && !*child.AcceptingOrders:
			out.State = StatePendingResolution
		}
	}

	if out.State == StateClosed {
		extractWinner(child, &out)
	}
	return out
}

func extractWinner(child ChildMarket, out *Classification) {
	for i, price := range child.OutcomePrices {
		if price < 0.99 || i >= len(child.Outcomes) {
			continue
		}
		label := child.Outcomes[i]
		out.WinningOutcomeIndex = i
		out.WinningLabel = label
		upper := strings.ToUpper(label)
		switch {
		case strings.Contains(upper, "YES") || strings.Contains(upper, "UP"):
			out.Winner = YesWon
			out.WinningSide = SideYes
		case strings.Contains(upper, "NO") || strings.Contains(upper, "DOWN"):
			out.Winner = NoWon
			out.WinningSide = SideNo
		}
		return
	}
}
