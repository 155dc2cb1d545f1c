package store

import "fmt"

const (
	KeyPrefixRoom = "callroom:room:"

	keyRoomData      = "data"
	keyRoomCode      = "code"
	keyRoomBooking   = "booking"
	keyRoomInterview = "interview"
)

func RoomKey(roomID string) string {
	return fmt.Sprintf("%s%s:%s", KeyPrefixRoom, keyRoomData, roomID)
}

func RoomCodeKey(code string) string {
	return fmt.Sprintf("%s%s:%s", KeyPrefixRoom, keyRoomCode, code)
}

func RoomBookingKey(bookingID string) string {
	return fmt.Sprintf("%s%s:%s", KeyPrefixRoom, keyRoomBooking, bookingID)
}

func RoomInterviewKey(interviewID string) string {
	return fmt.Sprintf("%s%s:%s", KeyPrefixRoom, keyRoomInterview, interviewID)
}
