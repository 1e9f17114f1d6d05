package polybase

import (
	"errors"
	"slices"
	"testing"
)

func TestCapabilitiesOf(t *testing.T) {
	for _, pt := range KnownProviders {
		caps, err := CapabilitiesOf(pt)
		if err != nil || caps.Type != pt {
			t.Errorf("CapabilitiesOf(%s) = %+v, %v", pt, caps, err)
		}
		if !caps.Has(KindDatabase) {
			t.Errorf("%s: every provider has a database", pt)
		}
	}
	if _, err := CapabilitiesOf("mainframe"); !errors.Is(err, ErrUnknownProvider) {
		t.Errorf("expected ErrUnknownProvider, got %v", err)
	}
}

func TestSharedKinds(t *testing.T) {
	local, _ := CapabilitiesOf(ProviderLocal)
	fb, _ := CapabilitiesOf(ProviderFirebase)
	got := SharedKinds(local, fb)
	want := []ResourceKind{KindAuth, KindDatabase, KindStorage, KindRealtime, KindNotifications, KindFunctions}
	if !slices.Equal(got, want) {
		t.Errorf("SharedKinds = %v, want %v", got, want)
	}
}

func TestCapabilities_Supports(t *testing.T) {
	local, _ := CapabilitiesOf(ProviderLocal)
	if !local.Supports("deployment") || !local.Supports(FeatureSelfHosted) || local.Supports(FeatureManagedScaling) {
		t.Errorf("unexpected local features %+v", local)
	}
	aws, _ := CapabilitiesOf(ProviderAWS)
	if !aws.Reserved("sk") || aws.Reserved("skill") {
		t.Error("aws reserves exact key names only")
	}
}
