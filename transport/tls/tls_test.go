package tls

import (
	"crypto/x509"
	"encoding/pem"
	"testing"
)

// go test -v ./transport/tls -run TestTLSWithSelfSignedCert -timeout 5s
func TestTLSWithSelfSignedCert(t *testing.T) {
	host := "127.0.0.1"

	certPEM, keyPEM, err := GenerateSelfSignedCert("localhost")
	if err != nil {
		t.Fatal(err)
	}
	serverCfg := &TLSServerConfig{
		ServerName: "localhost",
		CertPem:    certPEM,
		KeyPem:     keyPEM,
	}
	server, err := NewTLSServer(serverCfg, nil)
	if err != nil {
		t.Fatal(err)
	}
	if err := server.Listen(host, 0); err != nil {
		t.Fatal(err)
	}
	defer server.Close()

	clientCfg := &TLSClientConfig{
		ServerName:         "localhost",
		SNI:                true,
		InsecureSkipVerify: true, // 跳过自签名证书验证
	}
	client := NewTLSClient(clientCfg, nil)

	// 服务端：简单 echo 处理
	go func() {
		srvConn, err := server.Accept()
		if err != nil {
			return
		}
		defer srvConn.Close()
		buf := make([]byte, 1024)
		n, err := srvConn.Read(buf)
		if err == nil && n > 0 {
			_, _ = srvConn.Write(buf[:n])
		}
	}()

	transportConn, err := client.Dial(server.Addr().String())
	if err != nil {
		t.Fatal(err)
	}
	defer transportConn.Close()

	buf := make([]byte, 1024)
	_, err = transportConn.Write([]byte("hello"))
	if err != nil {
		t.Fatal(err)
	}
	rlen, err := transportConn.Read(buf)
	if err != nil {
		t.Fatal(err)
	}
	if string(buf[:rlen]) != "hello" {
		t.Fatalf("data mismatch: %s != %s", string(buf[:rlen]), "hello")
	}
}

func TestGenerateSelfSignedCertIP(t *testing.T) {
	certPEM, _, err := GenerateSelfSignedCert("127.0.0.1")
	if err != nil {
		t.Fatal(err)
	}
	block, _ := pem.Decode(certPEM)
	if block == nil {
		t.Fatal("no PEM block in certificate")
	}
	cert, err := x509.ParseCertificate(block.Bytes)
	if err != nil {
		t.Fatal(err)
	}
	if len(cert.IPAddresses) != 1 || cert.IPAddresses[0].String() != "127.0.0.1" {
		t.Fatalf("IPAddresses = %v", cert.IPAddresses)
	}
}

func TestTLSServerNeedsCertificate(t *testing.T) {
	if _, err := NewTLSServer(&TLSServerConfig{}, nil); err == nil {
		t.Fatal("expected an error without certificate")
	}
}
