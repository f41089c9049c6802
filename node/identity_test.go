package node

import (
	"bytes"
	"testing"
)

func TestKeypair(t *testing.T) {
	publickeyb64 := "14nWLDf+tZ6CXwC6WNEq/VWsbOoSr/yggbyRX17goEM="
	privatekeyb64 := "sDy6PGozYyAzXlAZEyWyPtpibexfi08uvPg9pQBknn0="
	var publickey PublicKey
	var privatekey PrivateKey

	if err := publickey.FromBase64(publickeyb64); err != nil {
		t.Fatalf("Failed to parse public key: %v", err)
	}
	if err := privatekey.FromBase64(privatekeyb64); err != nil {
		t.Fatalf("Failed to parse private key: %v", err)
	}

	// 从私钥生成公钥
	pubkeyfromprivate := privatekey.PublicKey()
	if !bytes.Equal(publickey[:], pubkeyfromprivate[:]) {
		t.Fatal("publickey != privatekey.PublicKey()")
	}
	if string(pubkeyfromprivate.PeerID()) != publickeyb64 {
		t.Fatalf("PeerID = %s, want %s", pubkeyfromprivate.PeerID(), publickeyb64)
	}
}

func TestKeypairGeneration(t *testing.T) {
	privatekey, err := NewPrivateKey()
	if err != nil {
		t.Fatalf("Failed to generate private key: %v", err)
	}

	publickey := privatekey.PublicKey()
	if publickey.IsZero() {
		t.Fatal("Generated public key is zero")
	}

	var decoded PrivateKey
	if err := decoded.FromBase64(privatekey.ToBase64()); err != nil {
		t.Fatal(err)
	}
	if decoded != privatekey {
		t.Fatal("base64 round trip changed the key")
	}
}

func TestParseKeyRejectsShortInput(t *testing.T) {
	var pk PublicKey
	if err := pk.FromBase64("c2hvcnQ="); err == nil {
		t.Fatal("expected an error for a 5 byte key")
	}
	var sk PrivateKey
	if err := sk.FromHex("zz"); err == nil {
		t.Fatal("expected an error for invalid hex")
	}
}
