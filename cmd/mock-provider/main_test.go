package main

import (
	"net/http"
	"testing"

	"broadcast/internal/providers/whatsapp"
)

func TestClassifyOutcome(t *testing.T) {
	ok := classifyOutcome("ok")
	if ok.HTTPStatus != http.StatusOK || len(ok.Statuses) != 3 || ok.Statuses[2] != whatsapp.StatusRead {
		t.Fatalf("unexpected ok outcome %+v", ok)
	}

	failed := classifyOutcome("failed:131049")
	if failed.FailCode != 131049 || failed.Statuses[len(failed.Statuses)-1] != whatsapp.StatusFailed {
		t.Fatalf("unexpected failed outcome %+v", failed)
	}

	rl := classifyOutcome("rate_limit")
	if rl.HTTPStatus != http.StatusTooManyRequests || !whatsapp.ClassifyCode(rl.HTTPStatus, rl.ErrCode).Critical() {
		t.Fatalf("rate limit must look critical to the client, got %+v", rl)
	}

	bad := classifyOutcome("bad_request")
	if whatsapp.ClassifyCode(bad.HTTPStatus, bad.ErrCode).Critical() {
		t.Fatalf("bad request must not be critical")
	}
}

func TestParseWeightedOutcomes(t *testing.T) {
	got := parseWeightedOutcomes("failed:3, rate_limit:1, failed:131049:2, bogus, x:0")
	if len(got) != 3 {
		t.Fatalf("expected 3 outcomes, got %+v", got)
	}
	if got[2].Kind != "failed:131049" || got[2].Weight != 2 {
		t.Fatalf("code-qualified outcome not parsed: %+v", got[2])
	}
	if pickWeighted(0, got) != "failed" || pickWeighted(1, got) != "failed:131049" {
		t.Fatalf("unexpected weighted picks")
	}
}
