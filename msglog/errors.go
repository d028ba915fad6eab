package msglog

import (
	"fmt"

	"github.com/marrowlabs/mnemo/memory"
)

func memoryNotFound(conversationID string, id int64) error {
	return fmt.Errorf("%w: message %d in conversation %s", memory.ErrNotFound, id, conversationID)
}
