package logger

import (
	"context"
	"fmt"
	"runtime/debug"
)

// SafeGo запускает fn в горутине и логирует панику вместо падения процесса.
func SafeGo(l Logger, name string, fn func()) {
	go func() {
		defer Recover(l, name)
		fn()
	}()
}

// Recover используется в defer. Паника логируется с именем компонента и стеком.
func Recover(l Logger, name string) {
	if r := recover(); r != nil {
		OrNoOp(l).Error(context.Background(), fmt.Sprintf("PANIC восстановлен в %s", name),
			String("component", name),
			Any("panic_value", fmt.Sprint(r)),
			String("stack_trace", string(debug.Stack())),
		)
	}
}

// Guard выполняет шаг и возвращает его ошибку. Паника шага превращается в ошибку,
// поэтому следующий шаг выполняется в любом случае.
func Guard(l Logger, step string, fn func() error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("паника в шаге %s: %v", step, r)
		}
		if err != nil {
			OrNoOp(l).Warn(context.Background(), "шаг завершился с ошибкой",
				String("step", step), Err(err))
		}
	}()
	return fn()
}
