package spread

import (
	"testing"

	"github.com/shopspring/decimal"
)

func d(s string) decimal.Decimal {
	v, err := decimal.NewFromString(s)
	if err != nil {
		panic(err)
	}
	return v
}

func TestPercentChangeZeroStart(t *testing.T) {
	got := PercentChange(d("100"), decimal.Zero)
	if !got.IsZero() {
		t.Fatalf("expected 0 for zero start, got %s", got)
	}
}

func TestSpreadScenario1(t *testing.T) {
	// both legs start at 100; m1 moves to 102, m2 stays put
	s := Spread(d("102"), d("100"), d("100"), d("100"))
	if !s.Equal(d("2")) {
		t.Fatalf("expected spread 2, got %s", s)
	}
}

func TestSpreadAntisymmetric(t *testing.T) {
	a := Spread(d("102"), d("100"), d("98"), d("100"))
	b := Spread(d("98"), d("100"), d("102"), d("100"))
	if !a.Equal(b.Neg()) {
		t.Fatalf("spread(a,b,c,d) should equal -spread(c,d,a,b): %s vs %s", a, b)
	}
}

func TestDirectionLeaderIsShorted(t *testing.T) {
	side1, side2 := Direction(d("2"), d("0"))
	if side1 != Sell || side2 != Buy {
		t.Fatalf("expected (sell,buy), got (%s,%s)", side1, side2)
	}
}

func TestDirectionTieGoesLongMarket1(t *testing.T) {
	side1, side2 := Direction(d("1"), d("1"))
	if side1 != Buy || side2 != Sell {
		t.Fatalf("expected (buy,sell) on tie, got (%s,%s)", side1, side2)
	}
}

func TestTakeProfitRegression(t *testing.T) {
	if !TakeProfitRegression(d("1.0"), d("2.0"), d("1.0")) {
		t.Fatal("expected regression take-profit to trigger")
	}
	if TakeProfitRegression(d("1.5"), d("2.0"), d("1.0")) {
		t.Fatal("did not expect regression take-profit to trigger")
	}
}

func TestTakeProfitPositionZeroMargin(t *testing.T) {
	if TakeProfitPosition(d("10"), decimal.Zero, d("5")) {
		t.Fatal("zero margin must never take profit")
	}
}

func TestStopLossDisabledAtZero(t *testing.T) {
	if StopLoss(d("-1000"), d("100"), decimal.Zero) {
		t.Fatal("stop-loss ratio of zero must disable stop-loss")
	}
}

func TestStopLossTriggers(t *testing.T) {
	if !StopLoss(d("-20"), d("100"), d("15")) {
		t.Fatal("expected stop-loss to trigger at -20% loss with 15% threshold")
	}
}

func TestStopLossIgnoresPositivePnL(t *testing.T) {
	if StopLoss(d("20"), d("100"), d("15")) {
		t.Fatal("stop-loss must never trigger on positive pnl")
	}
}

func TestOpposite(t *testing.T) {
	if Opposite(Buy) != Sell || Opposite(Sell) != Buy {
		t.Fatal("Opposite must flip the side")
	}
}
