package engine

import (
	"context"
	"encoding/json"
	"fmt"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/encoding"
	"google.golang.org/grpc/status"
)

// jsonCodec lets GRPCClient issue generic unary RPCs against the engine
// without depending on protoc-generated stubs: the engine's own wire
// format is out of this core's scope, and this is the smallest way to
// still exercise a real grpc.ClientConn dial/invoke path.
type jsonCodec struct{}

func (jsonCodec) Marshal(v any) ([]byte, error)     { return json.Marshal(v) }
func (jsonCodec) Unmarshal(data []byte, v any) error { return json.Unmarshal(data, v) }
func (jsonCodec) Name() string                       { return "json" }

func init() {
	encoding.RegisterCodec(jsonCodec{})
}

// GRPCClient dials the engine process at address (default localhost:5345)
// and issues unary calls shaped like the constructor triple the spec
// describes: (address, config_file, args).
type GRPCClient struct {
	address    string
	configFile string
	args       []string
	conn       *grpc.ClientConn
}

func NewGRPCClient(address, configFile string, args []string) *GRPCClient {
	if address == "" {
		address = "localhost:5345"
	}
	return &GRPCClient{address: address, configFile: configFile, args: args}
}

// NewConfigOverrides builds the "-o EngineConfigs.<idx>.simulationID=..."
// / ".MQTTBroker=..." argument-override strings exactly as the original
// engine wrapper's constructor does, for the datatransfer_grpc_engine
// entry at idx.
func NewConfigOverrides(idx int, simID, broker string) []string {
	return []string{
		"-o", fmt.Sprintf("EngineConfigs.%d.simulationID=%s", idx, simID),
		"-o", fmt.Sprintf("EngineConfigs.%d.MQTTBroker=%s", idx, broker),
	}
}

func (c *GRPCClient) dial(ctx context.Context) error {
	if c.conn != nil {
		return nil
	}
	conn, err := grpc.NewClient(c.address,
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithDefaultCallOptions(grpc.CallContentSubtype(jsonCodec{}.Name())),
	)
	if err != nil {
		return err
	}
	c.conn = conn
	return nil
}

type initRequest struct {
	ConfigFile string   `json:"config_file"`
	Args       []string `json:"args"`
}

func (c *GRPCClient) Initialize(ctx context.Context) error {
	if err := c.dial(ctx); err != nil {
		return err
	}
	req := initRequest{ConfigFile: c.configFile, Args: c.args}
	var reply struct{}
	return c.conn.Invoke(ctx, "/nrp.engine.v1.Engine/Initialize", &req, &reply)
}

type runLoopRequest struct {
	NumIterations int             `json:"n"`
	Data          json.RawMessage `json:"data,omitempty"`
}

func (c *GRPCClient) RunLoop(ctx context.Context, n int, data json.RawMessage) (json.RawMessage, error) {
	req := runLoopRequest{NumIterations: n, Data: data}
	var reply json.RawMessage
	if err := c.conn.Invoke(ctx, "/nrp.engine.v1.Engine/RunLoop", &req, &reply); err != nil {
		if status.Code(err) == codes.Unavailable {
			return nil, err
		}
		return nil, err
	}
	return reply, nil
}

func (c *GRPCClient) Shutdown(ctx context.Context) error {
	if c.conn == nil {
		return nil
	}
	var req, reply struct{}
	err := c.conn.Invoke(ctx, "/nrp.engine.v1.Engine/Shutdown", &req, &reply)
	closeErr := c.conn.Close()
	c.conn = nil
	if err != nil {
		return err
	}
	return closeErr
}
