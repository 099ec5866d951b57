package handlers

import "fmt"

// validateRoomId はルームIDのバリデーションを行います
// ルームIDが空の場合はエラーを返します
func validateRoomId(roomId string) error {
	if roomId == "" {
		return fmt.Errorf("roomId required")
	}
	return nil
}
