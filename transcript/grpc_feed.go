package transcript

import (
	"encoding/json"
	"errors"
	"log"
	"net"
	"os"
	"runtime"
	"strings"
	"sync"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/encoding"
	"google.golang.org/grpc/status"

	"voxid/session"
)

// jsonCodec позволяет использовать gRPC с JSON-пейлоадом вместо protobuf,
// чтобы переиспользовать структуру Message без генерации кодеков.
type jsonCodec struct{}

func (jsonCodec) Name() string { return "json" }
func (jsonCodec) Marshal(v any) ([]byte, error) {
	return json.Marshal(v)
}
func (jsonCodec) Unmarshal(data []byte, v any) error {
	return json.Unmarshal(data, v)
}

func init() {
	encoding.RegisterCodec(jsonCodec{})
}

// FeedServer описывает bidirectional stream, по которому распознаватель
// пушит сегменты транскрипции.
type FeedServer interface {
	Stream(Feed_StreamServer) error
}

type UnimplementedFeedServer struct{}

func (UnimplementedFeedServer) Stream(Feed_StreamServer) error {
	return status.Errorf(codes.Unimplemented, "method Stream not implemented")
}

type Feed_StreamServer interface {
	Send(*Message) error
	Recv() (*Message, error)
	grpc.ServerStream
}

type feedStreamServer struct {
	grpc.ServerStream
}

func (x *feedStreamServer) Send(m *Message) error {
	return x.ServerStream.SendMsg(m)
}

func (x *feedStreamServer) Recv() (*Message, error) {
	m := new(Message)
	if err := x.ServerStream.RecvMsg(m); err != nil {
		return nil, err
	}
	return m, nil
}

func _Feed_Stream_Handler(srv interface{}, stream grpc.ServerStream) error {
	return srv.(FeedServer).Stream(&feedStreamServer{stream})
}

var _Feed_serviceDesc = grpc.ServiceDesc{
	ServiceName: "voxid.TranscriptFeed",
	HandlerType: (*FeedServer)(nil),
	Streams: []grpc.StreamDesc{
		{
			StreamName:    "Stream",
			Handler:       _Feed_Stream_Handler,
			ServerStreams: true,
			ClientStreams: true,
		},
	},
	Metadata: "transcript/feed.proto",
}

func RegisterFeedServer(s *grpc.Server, srv FeedServer) {
	s.RegisterService(&_Feed_serviceDesc, srv)
}

// GRPCFeed фид, в который распознаватель сам пушит сегменты по gRPC.
// Подключений может быть несколько, их сегменты сливаются в один поток.
type GRPCFeed struct {
	UnimplementedFeedServer

	addr   string
	server *grpc.Server
	out    chan session.TranscriptSegment
	done   chan struct{}
	once   sync.Once
}

// NewGRPCFeed поднимает листенер и gRPC-сервер фида. Пустой адрес
// выбирает платформенный дефолт: unix-сокет или именованный пайп.
func NewGRPCFeed(addr string) (*GRPCFeed, error) {
	if addr == "" {
		if runtime.GOOS == "windows" {
			addr = "npipe:\\\\.\\pipe\\voxid-feed"
		} else {
			addr = "unix:///tmp/voxid-feed.sock"
		}
	}

	lis, err := listenFeed(addr)
	if err != nil {
		return nil, err
	}

	f := &GRPCFeed{
		addr: addr,
		out:  make(chan session.TranscriptSegment, feedQueueSize),
		done: make(chan struct{}),
	}
	f.server = grpc.NewServer(
		grpc.Creds(insecure.NewCredentials()),
		grpc.ForceServerCodec(jsonCodec{}),
	)
	RegisterFeedServer(f.server, f)

	go func() {
		log.Printf("[GRPCFeed] listening on %s", addr)
		if err := f.server.Serve(lis); err != nil {
			log.Printf("[GRPCFeed] server stopped: %v", err)
		}
	}()
	return f, nil
}

// Stream принимает поток сегментов одного распознавателя
func (f *GRPCFeed) Stream(stream Feed_StreamServer) error {
	for {
		msg, err := stream.Recv()
		if err != nil {
			return err
		}

		switch msg.Type {
		case MsgTranscript:
			if msg.Segment == nil {
				continue
			}
			select {
			case f.out <- *msg.Segment:
			case <-f.done:
				return nil
			}
		case MsgPing:
			if err := stream.Send(&Message{Type: MsgPing}); err != nil {
				return err
			}
		case MsgBye:
			return nil
		}
	}
}

// Updates канал входящих сегментов
func (f *GRPCFeed) Updates() <-chan session.TranscriptSegment {
	return f.out
}

// Addr адрес, на котором слушает фид
func (f *GRPCFeed) Addr() string {
	return f.addr
}

// Close останавливает сервер; активные стримы рвутся, Updates
// закрывается
func (f *GRPCFeed) Close() error {
	f.once.Do(func() {
		close(f.done)
		f.server.Stop()
		close(f.out)
	})
	return nil
}

func listenFeed(addr string) (net.Listener, error) {
	switch {
	case strings.HasPrefix(addr, "unix:"):
		socketPath := strings.TrimPrefix(addr, "unix:")
		if err := removeIfExists(socketPath); err != nil {
			return nil, err
		}
		return net.Listen("unix", socketPath)
	case strings.HasPrefix(addr, "npipe:"):
		pipePath := strings.TrimPrefix(addr, "npipe:")
		return listenPipe(pipePath)
	default:
		// Fallback для TCP (не основной кейс)
		return net.Listen("tcp", addr)
	}
}

func removeIfExists(path string) error {
	if path == "" {
		return errors.New("empty socket path")
	}
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}
