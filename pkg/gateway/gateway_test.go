package gateway

import "testing"

func TestInscriptionIDToTxIDVoutRoundTrip(t *testing.T) {
	cases := []struct {
		inscriptionID string
		txidVout      string
	}{
		{"ab12ef00ccdd99i0", "ab12ef00ccdd99:0"},
		{"00112233445566778899aabbccddeeff00112233445566778899aabbccddeei5", "00112233445566778899aabbccddeeff00112233445566778899aabbccddee:5"},
	}

	for _, tc := range cases {
		got, err := InscriptionIDToTxIDVout(tc.inscriptionID)
		if err != nil {
			t.Fatalf("InscriptionIDToTxIDVout(%q) error: %v", tc.inscriptionID, err)
		}
		if got != tc.txidVout {
			t.Errorf("InscriptionIDToTxIDVout(%q) = %q, want %q", tc.inscriptionID, got, tc.txidVout)
		}

		back, err := TxIDVoutToInscriptionID(got)
		if err != nil {
			t.Fatalf("TxIDVoutToInscriptionID(%q) error: %v", got, err)
		}
		if back != tc.inscriptionID {
			t.Errorf("TxIDVoutToInscriptionID(%q) = %q, want %q", got, back, tc.inscriptionID)
		}
	}
}

func TestInscriptionIDToTxIDVoutTooShort(t *testing.T) {
	if _, err := InscriptionIDToTxIDVout("ab"); err == nil {
		t.Error("expected error for too-short inscription id")
	}
}

func TestTxIDVoutToInscriptionIDMalformed(t *testing.T) {
	if _, err := TxIDVoutToInscriptionID("notxidvout"); err == nil {
		t.Error("expected error for malformed txid:vout")
	}
}
