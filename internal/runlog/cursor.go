package runlog

import "strconv"

func parseOffset(cursor string) (int, error) {
	return strconv.Atoi(cursor)
}

func formatOffset(offset int) string {
	return strconv.Itoa(offset)
}
