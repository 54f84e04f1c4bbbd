package grpc

import (
	"context"
	"errors"

	"github.com/sirupsen/logrus"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/timestamppb"

	"metachat/chatroom-service/internal/models"
	"metachat/chatroom-service/internal/service"

	pb "github.com/kegazani/metachat-proto/chat"
)

// UserIDMetadataKey carries the authenticated caller, set by the gateway in
// front of this service.
const UserIDMetadataKey = "x-user-id"

// ChatServer exposes direct chats and messages over the shared chat proto.
// Group management is only available over HTTP.
type ChatServer struct {
	pb.UnimplementedChatServiceServer
	service service.ChatService
	logger  *logrus.Logger
}

func NewChatServer(svc service.ChatService, logger *logrus.Logger) *ChatServer {
	return &ChatServer{
		service: svc,
		logger:  logger,
	}
}

// actorFromContext reads the caller from request metadata. A user id carried
// in the request body must name the same caller.
func actorFromContext(ctx context.Context, claimed string) (string, error) {
	var actor string
	if md, ok := metadata.FromIncomingContext(ctx); ok {
		if values := md.Get(UserIDMetadataKey); len(values) > 0 {
			actor = values[0]
		}
	}
	if actor == "" {
		return "", status.Error(codes.Unauthenticated, "missing "+UserIDMetadataKey+" metadata")
	}
	if claimed != "" && claimed != actor {
		return "", status.Error(codes.PermissionDenied, "request user does not match "+UserIDMetadataKey)
	}
	return actor, nil
}

// toStatus maps service errors onto gRPC codes.
func toStatus(err error) error {
	switch {
	case errors.Is(err, service.ErrNotFound):
		return status.Error(codes.NotFound, err.Error())
	case errors.Is(err, service.ErrForbidden):
		return status.Error(codes.PermissionDenied, err.Error())
	case errors.Is(err, service.ErrAlreadyMember):
		return status.Error(codes.AlreadyExists, err.Error())
	case errors.Is(err, service.ErrNotAMember),
		errors.Is(err, service.ErrGroupFull),
		errors.Is(err, service.ErrInsufficientMembers):
		return status.Error(codes.FailedPrecondition, err.Error())
	case errors.Is(err, service.ErrInvalidInput),
		errors.Is(err, service.ErrInvalidParticipant):
		return status.Error(codes.InvalidArgument, err.Error())
	default:
		return status.Error(codes.Internal, "internal server error")
	}
}

func (s *ChatServer) CreateChat(ctx context.Context, req *pb.CreateChatRequest) (*pb.CreateChatResponse, error) {
	s.logger.WithFields(logrus.Fields{
		"user_id1": req.UserId1,
		"user_id2": req.UserId2,
	}).Info("Creating chat via gRPC")

	actor, err := actorFromContext(ctx, req.UserId1)
	if err != nil {
		return nil, err
	}

	chat, _, err := s.service.GetOrCreateDirectChat(ctx, actor, req.UserId2)
	if err != nil {
		s.logger.WithError(err).Error("Failed to create chat")
		return nil, toStatus(err)
	}

	return &pb.CreateChatResponse{
		Chat: s.chatToProto(chat),
	}, nil
}

func (s *ChatServer) GetChat(ctx context.Context, req *pb.GetChatRequest) (*pb.GetChatResponse, error) {
	s.logger.WithField("chat_id", req.ChatId).Info("Getting chat via gRPC")

	actor, err := actorFromContext(ctx, "")
	if err != nil {
		return nil, err
	}

	chat, err := s.service.GetChat(ctx, actor, req.ChatId)
	if err != nil {
		s.logger.WithError(err).Error("Failed to get chat")
		return nil, toStatus(err)
	}

	return &pb.GetChatResponse{
		Chat: s.chatToProto(chat),
	}, nil
}

func (s *ChatServer) GetUserChats(ctx context.Context, req *pb.GetUserChatsRequest) (*pb.GetUserChatsResponse, error) {
	s.logger.WithField("user_id", req.UserId).Info("Getting user chats via gRPC")

	actor, err := actorFromContext(ctx, req.UserId)
	if err != nil {
		return nil, err
	}

	chats, err := s.service.ListChats(ctx, actor)
	if err != nil {
		s.logger.WithError(err).Error("Failed to get user chats")
		return nil, toStatus(err)
	}

	protoChats := make([]*pb.Chat, len(chats))
	for i, c := range chats {
		protoChats[i] = s.chatToProto(c)
	}

	return &pb.GetUserChatsResponse{
		Chats: protoChats,
	}, nil
}

func (s *ChatServer) SendMessage(ctx context.Context, req *pb.SendMessageRequest) (*pb.SendMessageResponse, error) {
	s.logger.WithFields(logrus.Fields{
		"chat_id":   req.ChatId,
		"sender_id": req.SenderId,
	}).Info("Sending message via gRPC")

	actor, err := actorFromContext(ctx, req.SenderId)
	if err != nil {
		return nil, err
	}

	msg, err := s.service.SendMessage(ctx, actor, req.ChatId, service.MessageInput{Content: req.Content})
	if err != nil {
		s.logger.WithError(err).Error("Failed to send message")
		return nil, toStatus(err)
	}

	return &pb.SendMessageResponse{
		Message: s.messageToProto(msg),
	}, nil
}

func (s *ChatServer) GetChatMessages(ctx context.Context, req *pb.GetChatMessagesRequest) (*pb.GetChatMessagesResponse, error) {
	s.logger.WithField("chat_id", req.ChatId).Info("Getting chat messages via gRPC")

	actor, err := actorFromContext(ctx, "")
	if err != nil {
		return nil, err
	}

	messages, err := s.service.ListMessages(ctx, actor, req.ChatId, models.MessagePage{
		Limit:  int(req.Limit),
		Before: req.BeforeMessageId,
	})
	if err != nil {
		s.logger.WithError(err).Error("Failed to get chat messages")
		return nil, toStatus(err)
	}

	// the proto contract is oldest first
	protoMessages := make([]*pb.Message, len(messages))
	for i, m := range messages {
		protoMessages[len(messages)-1-i] = s.messageToProto(m)
	}

	return &pb.GetChatMessagesResponse{
		Messages: protoMessages,
	}, nil
}

// chatToProto keeps the first two participants; the proto predates groups.
func (s *ChatServer) chatToProto(chat *models.ChatView) *pb.Chat {
	protoChat := &pb.Chat{
		Id:        chat.ID,
		CreatedAt: timestamppb.New(chat.CreatedAt),
		UpdatedAt: timestamppb.New(chat.UpdatedAt),
	}
	if len(chat.Participants) > 0 {
		protoChat.UserId1 = chat.Participants[0].ID
	}
	if len(chat.Participants) > 1 {
		protoChat.UserId2 = chat.Participants[1].ID
	}
	return protoChat
}

func (s *ChatServer) messageToProto(msg *models.MessageView) *pb.Message {
	return &pb.Message{
		Id:        msg.ID,
		ChatId:    msg.ChatID,
		SenderId:  msg.Sender.ID,
		Content:   msg.Content,
		CreatedAt: timestamppb.New(msg.CreatedAt),
	}
}
