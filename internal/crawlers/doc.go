// Package crawlers 提供引擎的I/O基础设施: 页面获取、文件下载、缓存与任务队列
//
// # 核心组件
//
// ## Transport
//
// 页面获取与文件下载的抽象,引擎只依赖此接口。
//
//   - StaticFetcher: 基于Colly,请求前应用 HeaderProvider 提供的头部,
//     响应按 Content-Encoding 解压(gzip/deflate/br)。所有请求共享一个
//     Cookie会话,登录(Post)后的抓取与下载自动携带会话。
//   - BrowserFetcher: 基于go-rod,页面经浏览器渲染后取完整HTML;
//     表单提交与下载委托给内部的 StaticFetcher。
//
// 使用示例:
//
//	fetcher, err := NewStaticFetcher(config, headerProvider)
//	if err != nil { /* 处理错误 */ }
//	defer fetcher.Close()
//	html, err := fetcher.Fetch(ctx, "https://example.com")
//
// ## TaskQueue
//
// 无界FIFO任务队列。去重在 Push 时以原子方式完成(检查与插入在同一把锁内),
// 同一任务标识在一次运行中最多执行一次。在途计数归零时队列关闭,
// 阻塞在 Pop 上的worker全部返回,运行随之结束。
//
//	q := NewTaskQueue()
//	q.Push(task)       // 播种
//	q.Done()           // 释放播种令牌
//	for {
//	    t, ok := q.Pop(ctx)
//	    if !ok { break }
//	    run(t)
//	    q.Done()
//	}
//
// ## PageCache / DownloadCache
//
// 页面缓存按 级别+URL 存放于 <dir>/<level>/<转义URL>.html,只写入不失效;
// 转义后过长的文件名改用SHA-256。写入先落到临时文件再放到目标位置,
// 中断的写入不会留下半截缓存。下载缓存在目标文件已存在时跳过下载。
//
// ## ResourceMonitor
//
// 基于gopsutil采样系统内存与CPU,为状态日志提供快照,
// 为浏览器标签页池计算上限。
package crawlers
