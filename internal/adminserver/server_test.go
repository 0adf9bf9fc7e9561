package adminserver_test

import (
	"context"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"connectrpc.com/connect"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/wirebus/gobusd/internal/adminserver"
	"github.com/wirebus/gobusd/internal/bus"
	"github.com/wirebus/gobusd/internal/message"
	"github.com/wirebus/gobusd/internal/transport"
)

// newTestServer builds a bus with registered peers and serves the admin
// surface over an httptest server.
func newTestServer(t *testing.T) (*bus.Bus, *httptest.Server) {
	t.Helper()
	logger := slog.New(slog.DiscardHandler)
	b := bus.New(logger)

	srv := httptest.NewServer(adminserver.New(b, logger,
		adminserver.RecoveryInterceptorOption(logger),
	))
	t.Cleanup(srv.Close)
	return b, srv
}

func registerPeer(t *testing.T, b *bus.Bus) *bus.Peer {
	t.Helper()
	codec := transport.NewMemCodec(16)
	p, err := b.AddPeer(codec, transport.Credentials{UID: 1000, PID: 1})
	if err != nil {
		t.Fatalf("AddPeer: %v", err)
	}
	b.HandleMessage(p, &message.Message{
		Type:        message.TypeMethodCall,
		Serial:      1,
		Destination: bus.DriverName,
		Path:        "/org/freedesktop/DBus",
		Interface:   "org.freedesktop.DBus",
		Member:      "Hello",
	})
	codec.TakeSent()
	return p
}

func statsClient(srv *httptest.Server, proc string) *connect.Client[emptypb.Empty, structpb.Struct] {
	return connect.NewClient[emptypb.Empty, structpb.Struct](
		http.DefaultClient, srv.URL+proc)
}

func TestGetStats(t *testing.T) {
	t.Parallel()

	b, srv := newTestServer(t)
	registerPeer(t, b)
	registerPeer(t, b)

	resp, err := statsClient(srv, adminserver.ProcedureGetStats).CallUnary(
		context.Background(), connect.NewRequest(&emptypb.Empty{}))
	if err != nil {
		t.Fatalf("GetStats: %v", err)
	}

	fields := resp.Msg.GetFields()
	if got := fields["peers_active"].GetNumberValue(); got != 2 {
		t.Errorf("peers_active = %v, want 2", got)
	}
	if fields["guid"].GetStringValue() != b.GUID() {
		t.Error("guid mismatch")
	}
}

func TestListPeers(t *testing.T) {
	t.Parallel()

	b, srv := newTestServer(t)
	p := registerPeer(t, b)

	resp, err := statsClient(srv, adminserver.ProcedureListPeers).CallUnary(
		context.Background(), connect.NewRequest(&emptypb.Empty{}))
	if err != nil {
		t.Fatalf("ListPeers: %v", err)
	}

	peers := resp.Msg.GetFields()["peers"].GetListValue().GetValues()
	if len(peers) != 1 {
		t.Fatalf("listed %d peers, want 1", len(peers))
	}
	entry := peers[0].GetStructValue().GetFields()
	if entry["unique_name"].GetStringValue() != p.UniqueName() {
		t.Errorf("unique_name = %q, want %q",
			entry["unique_name"].GetStringValue(), p.UniqueName())
	}
	if entry["state"].GetStringValue() != "registered" {
		t.Errorf("state = %q, want registered", entry["state"].GetStringValue())
	}
}

func TestKillPeer(t *testing.T) {
	t.Parallel()

	b, srv := newTestServer(t)
	p := registerPeer(t, b)

	killer := connect.NewClient[structpb.Struct, emptypb.Empty](
		http.DefaultClient, srv.URL+adminserver.ProcedureKillPeer)

	req, err := structpb.NewStruct(map[string]any{"unique_name": p.UniqueName()})
	if err != nil {
		t.Fatalf("NewStruct: %v", err)
	}
	if _, err := killer.CallUnary(context.Background(), connect.NewRequest(req)); err != nil {
		t.Fatalf("KillPeer: %v", err)
	}

	if got := b.Stats().PeersActive; got != 0 {
		t.Errorf("peers after kill = %d, want 0", got)
	}

	// A second kill reports NotFound.
	_, err = killer.CallUnary(context.Background(), connect.NewRequest(req))
	if connect.CodeOf(err) != connect.CodeNotFound {
		t.Errorf("second kill error code = %v, want NotFound", connect.CodeOf(err))
	}
}

func TestKillPeerMissingArgument(t *testing.T) {
	t.Parallel()

	_, srv := newTestServer(t)

	killer := connect.NewClient[structpb.Struct, emptypb.Empty](
		http.DefaultClient, srv.URL+adminserver.ProcedureKillPeer)

	_, err := killer.CallUnary(context.Background(), connect.NewRequest(&structpb.Struct{}))
	if connect.CodeOf(err) != connect.CodeInvalidArgument {
		t.Errorf("error code = %v, want InvalidArgument", connect.CodeOf(err))
	}
}
