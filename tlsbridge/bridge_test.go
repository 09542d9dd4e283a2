package tlsbridge

import (
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"math/big"
	"testing"
	"time"
)

func generateTestCertificate(t *testing.T) tls.Certificate {
	t.Helper()
	priv, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	template := x509.Certificate{
		SerialNumber: big.NewInt(1),
		Subject:      pkix.Name{CommonName: "quiclb-test"},
		NotBefore:    time.Now().Add(-time.Hour),
		NotAfter:     time.Now().Add(time.Hour),
		KeyUsage:     x509.KeyUsageDigitalSignature,
		ExtKeyUsage:  []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
		DNSNames:     []string{"localhost"},
	}
	der, err := x509.CreateCertificate(rand.Reader, &template, &template, &priv.PublicKey, priv)
	if err != nil {
		t.Fatalf("create certificate: %v", err)
	}
	return tls.Certificate{Certificate: [][]byte{der}, PrivateKey: priv}
}

// pumpToCompletion shuttles CRYPTO bytes between a client and server
// Bridge, level by level, until both report ResultComplete or an error
// occurs. This exercises the same epoch-routing contract the connection
// engine's tlsglue.go relies on, without a real connection or datapath.
func pumpToCompletion(t *testing.T, client, server *Bridge) {
	t.Helper()

	type pending struct {
		level Level
		data  []byte
	}
	var toServer, toClient []pending

	clientDone, serverDone := false, false
	drainInto := func(b *Bridge, flags ResultFlags, state *State, dst *[]pending) ResultFlags {
		if flags&ResultData != 0 && len(state.Buffer) > 0 {
			*dst = append(*dst, pending{level: state.WriteLevel, data: append([]byte(nil), state.Buffer...)})
		}
		return flags
	}

	if err := client.Start(context.Background()); err != nil {
		t.Fatalf("client start: %v", err)
	}
	flags, state, err := client.ProcessDataComplete()
	if err != nil {
		t.Fatalf("client initial pump: %v", err)
	}
	drainInto(client, flags, state, &toServer)
	if flags&ResultComplete != 0 {
		clientDone = true
	}

	if err := server.Start(context.Background()); err != nil {
		t.Fatalf("server start: %v", err)
	}

	for i := 0; i < 20 && !(clientDone && serverDone); i++ {
		progressed := false

		for len(toServer) > 0 {
			p := toServer[0]
			toServer = toServer[1:]
			flags, state, err := server.ProcessData(CryptoData, p.level, p.data)
			if err != nil {
				t.Fatalf("server ProcessData: %v", err)
			}
			drainInto(server, flags, state, &toClient)
			if flags&ResultComplete != 0 {
				serverDone = true
			}
			progressed = true
		}

		for len(toClient) > 0 {
			p := toClient[0]
			toClient = toClient[1:]
			flags, state, err := client.ProcessData(CryptoData, p.level, p.data)
			if err != nil {
				t.Fatalf("client ProcessData: %v", err)
			}
			drainInto(client, flags, state, &toServer)
			if flags&ResultComplete != 0 {
				clientDone = true
			}
			progressed = true
		}

		if !progressed {
			break
		}
	}

	if !clientDone || !serverDone {
		t.Fatalf("handshake did not complete: clientDone=%v serverDone=%v", clientDone, serverDone)
	}
}

func TestHandshakeCompletesAndNegotiatesALPN(t *testing.T) {
	cert := generateTestCertificate(t)
	pool := x509.NewCertPool()
	leaf, err := x509.ParseCertificate(cert.Certificate[0])
	if err != nil {
		t.Fatalf("parse cert: %v", err)
	}
	pool.AddCert(leaf)

	serverTLSConfig := &tls.Config{Certificates: []tls.Certificate{cert}}
	clientTLSConfig := &tls.Config{RootCAs: pool, ServerName: "localhost"}

	var serverReceivedTP, clientReceivedTP []byte

	server, err := Initialize(Config{
		IsServer:                 true,
		TLSConfig:                serverTLSConfig,
		ALPNProtocols:            []string{"quiclb"},
		LocalTransportParameters: []byte("server-tp"),
		OnTransportParameters:    func(data []byte) error { serverReceivedTP = data; return nil },
	})
	if err != nil {
		t.Fatalf("server Initialize: %v", err)
	}
	client, err := Initialize(Config{
		IsServer:                 false,
		TLSConfig:                clientTLSConfig,
		ALPNProtocols:            []string{"quiclb"},
		LocalTransportParameters: []byte("client-tp"),
		OnTransportParameters:    func(data []byte) error { clientReceivedTP = data; return nil },
	})
	if err != nil {
		t.Fatalf("client Initialize: %v", err)
	}

	pumpToCompletion(t, client, server)

	if string(serverReceivedTP) != "client-tp" {
		t.Errorf("server received TP = %q, want %q", serverReceivedTP, "client-tp")
	}
	if string(clientReceivedTP) != "server-tp" {
		t.Errorf("client received TP = %q, want %q", clientReceivedTP, "server-tp")
	}
	if server.NegotiatedALPN() != "quiclb" {
		t.Errorf("server ALPN = %q, want quiclb", server.NegotiatedALPN())
	}
}

func TestALPNMismatchIsFatal(t *testing.T) {
	cert := generateTestCertificate(t)
	pool := x509.NewCertPool()
	leaf, err := x509.ParseCertificate(cert.Certificate[0])
	if err != nil {
		t.Fatalf("parse cert: %v", err)
	}
	pool.AddCert(leaf)

	serverTLSConfig := &tls.Config{Certificates: []tls.Certificate{cert}}
	clientTLSConfig := &tls.Config{RootCAs: pool, ServerName: "localhost"}

	server, err := Initialize(Config{
		IsServer:      true,
		TLSConfig:     serverTLSConfig,
		ALPNProtocols: []string{"h3"},
	})
	if err != nil {
		t.Fatalf("server Initialize: %v", err)
	}
	client, err := Initialize(Config{
		IsServer:      false,
		TLSConfig:     clientTLSConfig,
		ALPNProtocols: []string{"h3-29"},
	})
	if err != nil {
		t.Fatalf("client Initialize: %v", err)
	}

	if err := client.Start(context.Background()); err != nil {
		t.Fatalf("client start: %v", err)
	}
	if err := server.Start(context.Background()); err != nil {
		t.Fatalf("server start: %v", err)
	}

	flags, state, err := client.ProcessDataComplete()
	if err != nil {
		t.Fatalf("client initial pump: %v", err)
	}

	sawALPNFailure := false
	for i := 0; i < 20 && len(state.Buffer) > 0; i++ {
		flags, state, err = server.ProcessData(CryptoData, state.WriteLevel, state.Buffer)
		if flags&ResultError != 0 {
			sawALPNFailure = true
			if state.AlertCode != 0x78 {
				t.Errorf("alert code = %#x, want 0x78 (no_application_protocol)", state.AlertCode)
			}
			break
		}
		if err != nil {
			// A non-ALPN TLS error before the server gets far enough to
			// negotiate ALPN would also be a test bug; surface it.
			t.Fatalf("unexpected server error before ALPN check: %v", err)
		}
		if len(state.Buffer) == 0 {
			break
		}
		flags, state, err = client.ProcessData(CryptoData, state.WriteLevel, state.Buffer)
		if err != nil {
			t.Fatalf("client ProcessData: %v", err)
		}
		_ = flags
	}

	if !sawALPNFailure {
		t.Fatalf("expected ALPN mismatch to surface ResultError, handshake proceeded instead")
	}
}
