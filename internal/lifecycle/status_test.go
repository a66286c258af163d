package lifecycle

import "testing"

func TestOrderStatusTerminal(t *testing.T) {
	terminal := []OrderStatus{OrderCompleted, OrderSendConditionNotMet, OrderCancelled}
	for _, s := range terminal {
		if !s.IsTerminal() {
			t.Errorf("%s should be terminal", s)
		}
	}

	open := []OrderStatus{OrderRegistered, OrderProcessing, OrderProcessed}
	for _, s := range open {
		if s.IsTerminal() {
			t.Errorf("%s should not be terminal", s)
		}
	}
}

func TestOrderStatusTransitions(t *testing.T) {
	tests := []struct {
		from    OrderStatus
		to      OrderStatus
		allowed bool
	}{
		{OrderRegistered, OrderProcessing, true},
		{OrderRegistered, OrderCancelled, true},
		{OrderRegistered, OrderSendConditionNotMet, true},
		{OrderRegistered, OrderCompleted, false},
		{OrderProcessing, OrderProcessed, true},
		{OrderProcessing, OrderCompleted, true},
		{OrderProcessing, OrderCancelled, false},
		{OrderProcessed, OrderCompleted, true},
		{OrderProcessed, OrderProcessing, false},
		{OrderCompleted, OrderProcessing, false},
		{OrderCancelled, OrderCompleted, false},
	}

	for _, tt := range tests {
		if got := tt.from.CanTransitionTo(tt.to); got != tt.allowed {
			t.Errorf("%s -> %s: got %v, want %v", tt.from, tt.to, got, tt.allowed)
		}
	}
}

func TestResultTerminal(t *testing.T) {
	if ResultNew.IsTerminal() || ResultSending.IsTerminal() {
		t.Error("new and sending must be non-terminal")
	}

	terminal := []Result{
		ResultSucceeded, ResultAccepted, ResultDelivered,
		ResultFailed, ResultFailedBounced, ResultFailedInvalidRecipient,
		ResultFailedRecipientReserved, ResultFailedTTL,
	}
	for _, r := range terminal {
		if !r.IsTerminal() {
			t.Errorf("%s should be terminal", r)
		}
	}
}

func TestResultRankNeverRegresses(t *testing.T) {
	// A delivered notification must not be moved back by a late "sending"
	// callback; rank encodes the natural progression.
	if ResultSending.Rank() >= ResultSucceeded.Rank() {
		t.Error("sending must rank below succeeded")
	}
	if ResultSucceeded.Rank() >= ResultDelivered.Rank() {
		t.Error("succeeded must rank below delivered")
	}
	if ResultNew.Rank() >= ResultSending.Rank() {
		t.Error("new must rank below sending")
	}
	if ResultFailedBounced.Rank() < ResultSucceeded.Rank() {
		t.Error("failure variants must rank as final states")
	}
}

func TestValidResultPerChannel(t *testing.T) {
	tests := []struct {
		channel Channel
		result  Result
		valid   bool
	}{
		{ChannelEmail, ResultSucceeded, true},
		{ChannelEmail, ResultAccepted, false},
		{ChannelEmail, ResultFailedBounced, true},
		{ChannelEmail, ResultFailedInvalidRecipient, false},
		{ChannelSMS, ResultAccepted, true},
		{ChannelSMS, ResultSucceeded, false},
		{ChannelSMS, ResultFailedInvalidRecipient, true},
		{ChannelSMS, ResultFailedBounced, false},
		{ChannelEmail, ResultFailedTTL, true},
		{ChannelSMS, ResultFailedTTL, true},
		{ChannelEmail, Result("bogus"), false},
	}

	for _, tt := range tests {
		if got := ValidResult(tt.channel, tt.result); got != tt.valid {
			t.Errorf("ValidResult(%s, %s): got %v, want %v", tt.channel, tt.result, got, tt.valid)
		}
	}
}

func TestParseResult(t *testing.T) {
	r, err := ParseResult(ChannelSMS, " Accepted ")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if r != ResultAccepted {
		t.Errorf("got %s, want %s", r, ResultAccepted)
	}

	if _, err := ParseResult(ChannelEmail, "accepted"); err == nil {
		t.Error("expected error for sms-only result on email channel")
	}
}

func TestReduceShipmentStatus(t *testing.T) {
	tests := []struct {
		name    string
		order   OrderStatus
		results []Result
		want    ShipmentStatus
	}{
		{"registered mirrors order", OrderRegistered, nil, ShipmentInitialized},
		{"processing mirrors order", OrderProcessing, []Result{ResultSending}, ShipmentProcessing},
		{"processed mirrors processing", OrderProcessed, []Result{ResultSending}, ShipmentProcessing},
		{"cancelled", OrderCancelled, nil, ShipmentCancelled},
		{"condition not met", OrderSendConditionNotMet, nil, ShipmentNotSent},
		{"all succeeded", OrderCompleted, []Result{ResultDelivered, ResultAccepted}, ShipmentCompleted},
		{"partial", OrderCompleted, []Result{ResultSucceeded, ResultFailedInvalidRecipient}, ShipmentPartiallyCompleted},
		{"all failed", OrderCompleted, []Result{ResultFailedBounced, ResultFailedTTL}, ShipmentFailed},
		{"completed with no recipients", OrderCompleted, nil, ShipmentFailed},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := ReduceShipmentStatus(tt.order, tt.results); got != tt.want {
				t.Errorf("got %s, want %s", got, tt.want)
			}
		})
	}
}
