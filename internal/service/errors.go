package service

import "errors"

// カスタムエラー定義
var (
	ErrValidation     = errors.New("roomId and peerId are required")
	ErrRoomNotFound   = errors.New("room not found")
	ErrUnknownMessage = errors.New("unknown message type")
	ErrInternal       = errors.New("internal error")
)
